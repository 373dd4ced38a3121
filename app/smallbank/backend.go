package smallbank

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"chainbft_node/state"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
)

// 存储布局
//	s/acct/{address} -> Account
//	d/{height}       -> 区块写入前的旧值，用于revert
//	r/{height}       -> 区块提交后的stateRoot
var (
	prefixState   = []byte("s/")
	prefixAccount = []byte("s/acct/")
	prefixDiff    = []byte("d/")
	prefixRoot    = []byte("r/")
)

func accountKey(addr types.Address) []byte {
	return append(append([]byte{}, prefixAccount...), addr...)
}

func heightKey(prefix []byte, height int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(height))
	return key
}

type diffEntry struct {
	Key     []byte `json:"key"`
	Prev    []byte `json:"prev"`
	Existed bool   `json:"existed"`
}

// execContext 一个区块执行期间的写缓存
type execContext struct {
	header *types.BlockHeader
	writes map[string][]byte
}

// Backend SmallBank状态机，实现state.ExecutionBackend
type Backend struct {
	chainID string
	genesis *Genesis
	db      tmdb.DB
	logger  log.Logger

	mtx      sync.Mutex
	contexts map[string]*execContext
	nextID   uint64
}

var _ state.ExecutionBackend = (*Backend)(nil)

func NewBackend(chainID string, genesis *Genesis, db tmdb.DB) *Backend {
	return &Backend{
		chainID:  chainID,
		genesis:  genesis,
		db:       db,
		logger:   log.NewNopLogger(),
		contexts: make(map[string]*execContext),
	}
}

func (b *Backend) SetLogger(logger log.Logger) {
	b.logger = logger
}

func (b *Backend) context(id state.ContextID) (*execContext, error) {
	c, ok := b.contexts[string(id)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownContext, "%X", []byte(id))
	}
	return c, nil
}

func (b *Backend) get(c *execContext, key []byte) ([]byte, error) {
	if c != nil {
		if v, ok := c.writes[string(key)]; ok {
			return v, nil
		}
	}
	return b.db.Get(key)
}

func (b *Backend) account(c *execContext, addr types.Address) (*Account, error) {
	bz, err := b.get(c, accountKey(addr))
	if err != nil {
		return nil, err
	}
	acc := &Account{}
	if len(bz) == 0 {
		return acc, nil
	}
	if err := json.Unmarshal(bz, acc); err != nil {
		return nil, errors.Wrapf(err, "decode account %v", addr)
	}
	return acc, nil
}

func setAccount(writes map[string][]byte, addr types.Address, acc *Account) error {
	bz, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	writes[string(accountKey(addr))] = bz
	return nil
}

// Account 已提交状态中的账户
func (b *Backend) Account(addr types.Address) (*Account, error) {
	return b.account(nil, addr)
}

func (b *Backend) InitStateMachine(header *types.BlockHeader) (state.ContextID, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.nextID++
	id := state.ContextID(fmt.Sprintf("%s-%d-%d", ModuleName, header.Height, b.nextID))
	b.contexts[string(id)] = &execContext{header: header, writes: make(map[string][]byte)}
	return id, nil
}

func (b *Backend) InitGenesisState(id state.ContextID) (types.Events, *types.ValidatorUpdate, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	c, err := b.context(id)
	if err != nil {
		return nil, nil, err
	}
	for _, ga := range b.genesis.Accounts {
		acc := &Account{Checking: ga.Checking, Saving: ga.Saving}
		if err := setAccount(c.writes, ga.Address, acc); err != nil {
			return nil, nil, err
		}
	}
	data, err := json.Marshal(map[string]int{"accounts": len(b.genesis.Accounts), "validators": len(b.genesis.Validators)})
	if err != nil {
		return nil, nil, err
	}
	events := types.Events{{Module: ModuleName, Name: "genesis", Data: data}}
	return events, b.genesis.ValidatorUpdate(), nil
}

// VerifyAssets 只接受本模块的资产
func (b *Backend) VerifyAssets(id state.ContextID, assets types.Assets) error {
	for _, a := range assets {
		if a.Module != ModuleName {
			return errors.Errorf("unknown asset module %q", a.Module)
		}
	}
	return nil
}

func (b *Backend) BeforeTransactionsExecute(id state.ContextID, assets types.Assets, params *state.ConsensusParams) (types.Events, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	_, err := b.context(id)
	return nil, err
}

func (b *Backend) VerifyTransaction(id state.ContextID, tx *types.Transaction, header *types.BlockHeader) (state.TxResult, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	c, err := b.context(id)
	if err != nil {
		return state.TxResultInvalid, err
	}
	return b.verify(c, tx)
}

func (b *Backend) verify(c *execContext, tx *types.Transaction) (state.TxResult, error) {
	if tx.Module != ModuleName {
		b.logger.Debug("Transaction for another module", "module", tx.Module, "tx", tx.ID())
		return state.TxResultInvalid, nil
	}
	if _, err := decodeParams(tx.Command, tx.Params); err != nil {
		b.logger.Debug("Invalid transaction params", "tx", tx.ID(), "err", err)
		return state.TxResultInvalid, nil
	}
	if tx.Fee < MinFee {
		return state.TxResultInvalid, nil
	}
	if !tx.VerifySignature(b.chainID) {
		b.logger.Debug("Invalid transaction signature", "tx", tx.ID())
		return state.TxResultInvalid, nil
	}
	acc, err := b.account(c, tx.SenderAddress())
	if err != nil {
		return state.TxResultInvalid, err
	}
	if acc.Nonce != tx.Nonce {
		b.logger.Debug("Wrong transaction nonce", "tx", tx.ID(), "nonce", tx.Nonce, "expected", acc.Nonce)
		return state.TxResultInvalid, nil
	}
	if acc.Checking < int64(tx.Fee) {
		return state.TxResultInvalid, nil
	}
	return state.TxResultOK, nil
}

func (b *Backend) ExecuteTransaction(
	id state.ContextID,
	tx *types.Transaction,
	assets types.Assets,
	params *state.ConsensusParams,
	dryRun bool,
) (types.Events, state.TxResult, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	c, err := b.context(id)
	if err != nil {
		return nil, state.TxResultInvalid, err
	}
	if res, err := b.verify(c, tx); err != nil || res != state.TxResultOK {
		return nil, res, err
	}

	target := c
	if dryRun {
		target = &execContext{header: c.header, writes: make(map[string][]byte, len(c.writes))}
		for k, v := range c.writes {
			target.writes[k] = v
		}
	}
	res, topics, err := b.apply(target, tx)
	if err != nil || res != state.TxResultOK {
		return nil, res, err
	}
	event := &types.Event{Module: ModuleName, Name: tx.Command, Data: tx.ID(), Topics: topics}
	return types.Events{event}, state.TxResultOK, nil
}

// apply 扣除手续费、增加nonce后执行命令，余额不足时交易无效且不产生写入
func (b *Backend) apply(c *execContext, tx *types.Transaction) (state.TxResult, []tmbytes.HexBytes, error) {
	p, err := decodeParams(tx.Command, tx.Params)
	if err != nil {
		return state.TxResultInvalid, nil, nil
	}
	senderAddr := tx.SenderAddress()
	sender, err := b.account(c, senderAddr)
	if err != nil {
		return state.TxResultInvalid, nil, err
	}
	sender.Nonce++
	sender.Checking -= int64(tx.Fee)

	var dest *Account
	if tx.Command == CommandAmalgamate || tx.Command == CommandSendPayment {
		if p.To.Equal(senderAddr) {
			return state.TxResultInvalid, nil, nil
		}
		if dest, err = b.account(c, p.To); err != nil {
			return state.TxResultInvalid, nil, err
		}
	}

	switch tx.Command {
	case CommandDepositChecking:
		sender.Checking += p.Amount

	case CommandTransactSavings:
		if sender.Saving+p.Amount < 0 {
			return state.TxResultInvalid, nil, nil
		}
		sender.Saving += p.Amount

	case CommandAmalgamate:
		dest.Checking += sender.Total()
		sender.Checking, sender.Saving = 0, 0

	case CommandWriteCheck:
		// 透支罚款1
		if sender.Total() < p.Amount {
			sender.Checking -= p.Amount + 1
		} else {
			sender.Checking -= p.Amount
		}

	case CommandSendPayment:
		if sender.Checking < p.Amount {
			return state.TxResultInvalid, nil, nil
		}
		sender.Checking -= p.Amount
		dest.Checking += p.Amount
	}

	topics := []tmbytes.HexBytes{tmbytes.HexBytes(senderAddr)}
	if err := setAccount(c.writes, senderAddr, sender); err != nil {
		return state.TxResultInvalid, nil, err
	}
	if dest != nil {
		if err := setAccount(c.writes, p.To, dest); err != nil {
			return state.TxResultInvalid, nil, err
		}
		topics = append(topics, tmbytes.HexBytes(p.To))
	}
	return state.TxResultOK, topics, nil
}

// AfterTransactionsExecute 给出块者发放奖励
func (b *Backend) AfterTransactionsExecute(
	id state.ContextID,
	assets types.Assets,
	params *state.ConsensusParams,
	txs types.Txs,
) (types.Events, *types.ValidatorUpdate, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	c, err := b.context(id)
	if err != nil {
		return nil, nil, err
	}
	generator := types.Address(c.header.GeneratorAddress)
	reward := BlockReward
	if !params.ImplyMaxPrevote {
		reward /= 4
	}
	var fees int64
	for _, tx := range txs {
		fees += int64(tx.Fee)
	}
	acc, err := b.account(c, generator)
	if err != nil {
		return nil, nil, err
	}
	acc.Checking += reward + fees
	if err := setAccount(c.writes, generator, acc); err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(map[string]int64{"reward": reward, "fees": fees})
	if err != nil {
		return nil, nil, err
	}
	events := types.Events{{Module: ModuleName, Name: "reward", Data: data, Topics: []tmbytes.HexBytes{tmbytes.HexBytes(generator)}}}
	return events, nil, nil
}

// stateRoot 对全部状态排序后的 (hash(key), value) 求merkle root
func (b *Backend) stateRoot(writes map[string][]byte) ([]byte, error) {
	kv := make(map[string][]byte)
	it, err := tmdb.IteratePrefix(b.db, prefixState)
	if err != nil {
		return nil, err
	}
	for ; it.Valid(); it.Next() {
		kv[string(it.Key())] = append([]byte{}, it.Value()...)
	}
	if err := it.Error(); err != nil {
		it.Close()
		return nil, err
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	for k, v := range writes {
		kv[k] = v
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([][]byte, len(keys))
	for i, k := range keys {
		items[i] = append(tmhash.Sum([]byte(k)), kv[k]...)
	}
	return merkle.HashFromByteSlices(items), nil
}

func (b *Backend) Commit(id state.ContextID, expectedStateRoot []byte, dryRun bool) ([]byte, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	c, err := b.context(id)
	if err != nil {
		return nil, err
	}
	root, err := b.stateRoot(c.writes)
	if err != nil {
		return nil, err
	}
	if expectedStateRoot != nil && !bytes.Equal(root, expectedStateRoot) {
		return nil, errors.Wrapf(ErrStateRoot, "height %d computed %X expected %X", c.header.Height, root, expectedStateRoot)
	}
	if dryRun {
		return root, nil
	}

	keys := make([]string, 0, len(c.writes))
	for k := range c.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	diff := make([]diffEntry, 0, len(keys))
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		prev, err := b.db.Get([]byte(k))
		if err != nil {
			return nil, err
		}
		diff = append(diff, diffEntry{Key: []byte(k), Prev: prev, Existed: prev != nil})
		if err := batch.Set([]byte(k), c.writes[k]); err != nil {
			return nil, err
		}
	}
	diffBz, err := json.Marshal(diff)
	if err != nil {
		return nil, err
	}
	if err := batch.Set(heightKey(prefixDiff, c.header.Height), diffBz); err != nil {
		return nil, err
	}
	if err := batch.Set(heightKey(prefixRoot, c.header.Height), root); err != nil {
		return nil, err
	}
	if err := batch.WriteSync(); err != nil {
		return nil, err
	}
	b.logger.Debug("Committed state", "height", c.header.Height, "root", fmt.Sprintf("%X", root), "writes", len(keys))
	return root, nil
}

// Revert 用保存的旧值撤销height处区块的写入
func (b *Backend) Revert(height int64, stateRoot, expectedStateRoot []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	root, err := b.db.Get(heightKey(prefixRoot, height))
	if err != nil {
		return err
	}
	if !bytes.Equal(root, stateRoot) {
		return errors.Wrapf(ErrStateRoot, "revert height %d: stored %X, block %X", height, root, stateRoot)
	}
	diffBz, err := b.db.Get(heightKey(prefixDiff, height))
	if err != nil {
		return err
	}
	if diffBz == nil {
		return errors.Errorf("no state diff at height %d", height)
	}
	var diff []diffEntry
	if err := json.Unmarshal(diffBz, &diff); err != nil {
		return err
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	for _, d := range diff {
		if d.Existed {
			err = batch.Set(d.Key, d.Prev)
		} else {
			err = batch.Delete(d.Key)
		}
		if err != nil {
			return err
		}
	}
	if err := batch.Delete(heightKey(prefixDiff, height)); err != nil {
		return err
	}
	if err := batch.Delete(heightKey(prefixRoot, height)); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	reverted, err := b.stateRoot(nil)
	if err != nil {
		return err
	}
	if !bytes.Equal(reverted, expectedStateRoot) {
		return errors.Wrapf(ErrStateRoot, "reverted height %d to %X, expected %X", height, reverted, expectedStateRoot)
	}
	return nil
}

func (b *Backend) Clear(id state.ContextID) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.contexts, string(id))
	return nil
}

// Finalize 最终区块之前的diff不会再被revert
func (b *Backend) Finalize(finalizedHeight int64) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	it, err := b.db.Iterator(prefixDiff, heightKey(prefixDiff, finalizedHeight+1))
	if err != nil {
		return err
	}
	var keys [][]byte
	for ; it.Valid(); it.Next() {
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	it.Close()
	if len(keys) == 0 {
		return nil
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k); err != nil {
			return err
		}
	}
	return batch.Write()
}

// CheckTx 在最新状态上试执行交易，不写入，mempool使用
func (b *Backend) CheckTx(tx *types.Transaction) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	res, err := b.verify(nil, tx)
	if err != nil {
		return err
	}
	if res == state.TxResultOK {
		res, _, err = b.apply(&execContext{writes: make(map[string][]byte)}, tx)
		if err != nil {
			return err
		}
	}
	if res != state.TxResultOK {
		return errors.Wrapf(types.ErrInvalidTransaction, "tx %v: %v", tx.ID(), res)
	}
	return nil
}
