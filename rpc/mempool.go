package rpc

import (
	"chainbft_node/mempool"
	"chainbft_node/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultBroadcastTx struct {
	ID tmbytes.HexBytes `json:"id"`
}

// BroadcastTx 解码交易并提交到mempool，CheckTx通过后由mempool reactor广播
func BroadcastTx(ctx *rpctypes.Context, tx tmbytes.HexBytes) (*ResultBroadcastTx, error) {
	t, err := types.DecodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	if err := env.Mempool.CheckTx(t, mempool.TxInfo{SenderID: mempool.UnknownPeerID}); err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{ID: t.ID()}, nil
}

type ResultUnconfirmedTxs struct {
	Count      int                  `json:"n_txs"`
	Total      int                  `json:"total"`
	TotalBytes int64                `json:"total_bytes"`
	Txs        []*types.Transaction `json:"txs"`
}

// UnconfirmedTxs limit<=0时返回defaultTxsLimit条
func UnconfirmedTxs(ctx *rpctypes.Context, limit int) (*ResultUnconfirmedTxs, error) {
	if limit <= 0 {
		limit = defaultTxsLimit
	}
	txs := env.Mempool.ReapMaxTxs(limit)
	return &ResultUnconfirmedTxs{
		Count:      len(txs),
		Total:      env.Mempool.Size(),
		TotalBytes: env.Mempool.TxsBytes(),
		Txs:        txs,
	}, nil
}
