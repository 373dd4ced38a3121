package rpc

import (
	"chainbft_node/app/smallbank"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultAccount struct {
	Address types.Address      `json:"address"`
	Account *smallbank.Account `json:"account"`
	Total   int64              `json:"total"`
}

// Account 返回已提交状态中的账户余额
func Account(ctx *rpctypes.Context, address tmbytes.HexBytes) (*ResultAccount, error) {
	if env.SmallBank == nil {
		return nil, errors.New("smallbank backend is not enabled")
	}
	if len(address) != crypto.AddressSize {
		return nil, errors.Errorf("address must be %d bytes", crypto.AddressSize)
	}
	addr := types.Address(address)
	acc, err := env.SmallBank.Account(addr)
	if err != nil {
		return nil, err
	}
	return &ResultAccount{Address: addr, Account: acc, Total: acc.Total()}, nil
}
