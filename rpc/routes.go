package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// info API
	"status":           rpc.NewRPCFunc(Status, ""),
	"peers":            rpc.NewRPCFunc(Peers, ""),
	"block":            rpc.NewRPCFunc(Block, "height"),
	"block_by_id":      rpc.NewRPCFunc(BlockByID, "id"),
	"blocks":           rpc.NewRPCFunc(Blocks, "from,to"),
	"block_events":     rpc.NewRPCFunc(BlockEvents, "height"),
	"block_intervals":  rpc.NewRPCFunc(BlockIntervals, "count"),
	"bft_heights":      rpc.NewRPCFunc(BFTHeights, ""),
	"validators":       rpc.NewRPCFunc(Validators, "height"),
	"aggregate_commit": rpc.NewRPCFunc(AggregateCommit, ""),
	"generator":        rpc.NewRPCFunc(Generator, "timestamp"),
	"metrics":          rpc.NewRPCFunc(JSONMetrics, "label"),

	// tx API
	"broadcast_tx":    rpc.NewRPCFunc(BroadcastTx, "tx"),
	"unconfirmed_txs": rpc.NewRPCFunc(UnconfirmedTxs, "limit"),

	// smallbank API
	"account": rpc.NewRPCFunc(Account, "address"),
}
