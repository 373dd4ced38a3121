package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"chainbft_node/rpc"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"
)

var (
	endpoint    string
	connections int
	rate        int
	duration    time.Duration
	accounts    int
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "tm-bench",
	Short: "Send SmallBank transactions to a node and report block statistics",
	RunE:  runBench,
}

func init() {
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "127.0.0.1:26657", "节点rpc地址 host:port")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "websocket连接数")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 100, "每个连接每秒最多发送的交易数")
	rootCmd.Flags().DurationVarP(&duration, "duration", "T", 10*time.Second, "压测时长")
	rootCmd.Flags().IntVar(&accounts, "accounts", 100, "使用的创世账户数，需不大于gen-genesis的--accounts")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出每个连接的发送日志")
}

func runBench(cmd *cobra.Command, args []string) error {
	if connections <= 0 || rate <= 0 || accounts <= 0 {
		return errors.New("connections, rate and accounts must be positive")
	}
	logger := log.NewNopLogger()
	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	client, err := jsonrpcclient.New("tcp://" + endpoint)
	if err != nil {
		return err
	}
	t := newTransacter(endpoint, connections, rate, client)
	t.SetLogger(logger)
	if err := t.LoadAccounts(accounts); err != nil {
		return err
	}

	start := new(rpc.ResultStatus)
	if _, err := client.Call(context.Background(), "status", map[string]interface{}{}, start); err != nil {
		return err
	}
	if err := t.Start(); err != nil {
		return err
	}
	time.Sleep(duration)
	t.Stop()

	end := new(rpc.ResultStatus)
	if _, err := client.Call(context.Background(), "status", map[string]interface{}{}, end); err != nil {
		return err
	}
	count := int(end.Height - start.Height)
	stats := new(rpc.ResultBlockIntervals)
	if count > 0 {
		params := map[string]interface{}{"count": count}
		if _, err := client.Call(context.Background(), "block_intervals", params, stats); err != nil {
			return err
		}
	}

	fmt.Printf("chain: %s, blocks: %d (height %d -> %d), finalized: %d\n",
		t.ChainID, count, start.Height, end.Height, end.FinalizedHeight)
	fmt.Printf("txs sent: %d, rejected: %d\n", atomic.LoadInt64(&t.sent), atomic.LoadInt64(&t.rejected))
	fmt.Printf("block interval avg %dms median %dms max %dms, txs in blocks %d (max %d per block)\n",
		stats.AvgInterval, stats.MedianInterval, stats.MaxInterval, stats.TotalTxs, stats.MaxTxs)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
