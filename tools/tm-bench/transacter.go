package main

import (
	"context"
	"encoding/json"
	"fmt"

	// it is ok to use math/rand here: we do not need a cryptographically secure random
	// number generator here and we can run the tests a bit faster
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"chainbft_node/app/smallbank"
	"chainbft_node/rpc"
	"chainbft_node/types"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/lib/server/handlers.go
	pingPeriod = (30 * 9 / 10) * time.Second

	// 交易发出后这么久nonce仍未前进，认为交易被丢弃，重新发送
	resendAfter = 30 * time.Second
)

// benchAccount 一个发送者，同一时间只有一笔未上链的交易
type benchAccount struct {
	key    crypto.PrivKey
	addr   types.Address
	nonce  uint64
	sentAt time.Time
}

func (a *benchAccount) pending() bool {
	return !a.sentAt.IsZero()
}

type transacter struct {
	Target      string
	Rate        int
	Connections int
	ChainID     string

	client      *jsonrpcclient.Client
	accounts    []*benchAccount
	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool

	sent     int64
	rejected int64

	logger log.Logger
}

func newTransacter(target string, connections, rate int, client *jsonrpcclient.Client) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		client:      client,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// LoadAccounts 查询链ID和前n个创世账户的nonce
func (t *transacter) LoadAccounts(n int) error {
	status := new(rpc.ResultStatus)
	if _, err := t.client.Call(context.Background(), "status", map[string]interface{}{}, status); err != nil {
		return errors.Wrap(err, "query status")
	}
	t.ChainID = status.ChainID
	t.accounts = make([]*benchAccount, n)
	for i := range t.accounts {
		key := smallbank.AccountKey(i)
		t.accounts[i] = &benchAccount{key: key, addr: types.GetAddress(key.PubKey())}
		if err := t.refresh(t.accounts[i]); err != nil {
			return err
		}
	}
	return nil
}

// refresh 读取已提交的nonce，nonce前进或等待超时后账户可以再次发送
func (t *transacter) refresh(a *benchAccount) error {
	res := new(rpc.ResultAccount)
	params := map[string]interface{}{"address": tmbytes.HexBytes(a.addr)}
	if _, err := t.client.Call(context.Background(), "account", params, res); err != nil {
		return errors.Wrapf(err, "query account %v", a.addr)
	}
	if res.Account.Nonce != a.nonce || time.Since(a.sentAt) > resendAfter {
		a.sentAt = time.Time{}
	}
	a.nonce = res.Account.Nonce
	return nil
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	t.stopped = false

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop 读取broadcast_tx的响应，统计被拒绝的交易
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		var resp jsonrpc.RPCResponse
		if err := c.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if resp.Error != nil {
			atomic.AddInt64(&t.rejected, 1)
			t.logger.Debug("Transaction rejected", "conn", connIndex, "err", resp.Error)
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// connAccounts 账户按下标分给各个连接，同一个账户只由一个连接发送
func (t *transacter) connAccounts(connIndex int) []*benchAccount {
	var res []*benchAccount
	for i := connIndex; i < len(t.accounts); i += t.Connections {
		res = append(res, t.accounts[i])
	}
	return res
}

// sendLoop generates transactions at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]
	accounts := t.connAccounts(connIndex)

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			if !started {
				t.startingWg.Done()
				started = true
			}

			numTxSent := 0
			for _, a := range accounts {
				if numTxSent >= t.Rate {
					break
				}
				if a.pending() {
					if err := t.refresh(a); err != nil {
						logger.Error("Failed to refresh account", "err", err)
						continue
					}
					if a.pending() {
						continue
					}
				}
				tx, err := t.generateTx(a)
				if err != nil {
					logger.Error("Failed to generate tx", "err", err)
					continue
				}
				paramsJSON, err := tmjson.Marshal(map[string]interface{}{"tx": tmbytes.HexBytes(tx.Bytes())})
				if err != nil {
					logger.Error("Failed to encode params", "err", err)
					continue
				}

				c.SetWriteDeadline(time.Now().Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCStringID("tm-bench"),
					Method:  "broadcast_tx",
					Params:  json.RawMessage(paramsJSON),
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("txs send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}
				a.sentAt = time.Now()
				numTxSent++
			}
			atomic.AddInt64(&t.sent, int64(numTxSent))

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d transactions", numTxSent), "took", timeToSend)

		case <-pingsTicker.C:
			// go-rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.stopped {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}

			return
		}
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// generateTx 随机生成一笔SmallBank交易，金额较小以免余额耗尽
func (t *transacter) generateTx(a *benchAccount) (*types.Transaction, error) {
	amount := int64(rand.Intn(100) + 1)
	other := t.accounts[rand.Intn(len(t.accounts))]
	for len(t.accounts) > 1 && other.addr.Equal(a.addr) {
		other = t.accounts[rand.Intn(len(t.accounts))]
	}

	var (
		command string
		params  = &smallbank.Params{Amount: amount}
	)
	switch rand.Intn(5) {
	case 0:
		command = smallbank.CommandDepositChecking
	case 1:
		command = smallbank.CommandTransactSavings
	case 2:
		command = smallbank.CommandWriteCheck
	case 3:
		command = smallbank.CommandSendPayment
		params.To = other.addr
	case 4:
		command = smallbank.CommandAmalgamate
		params = &smallbank.Params{To: other.addr}
	}
	return smallbank.NewTransaction(t.ChainID, command, params, a.nonce, smallbank.MinFee, a.key)
}
