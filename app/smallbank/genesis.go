package smallbank

import (
	"chainbft_node/bft"
	"chainbft_node/state"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tm-db/memdb"
)

// NewGenesisDoc 以g作为唯一的模块数据生成创世文件，并试执行创世区块填入各个根
func NewGenesisDoc(chainID string, genesisTime, blockTime, bftBatchSize int64, g *Genesis) (*types.GenesisDoc, error) {
	if len(g.Validators) == 0 {
		return nil, errors.New("genesis needs at least one validator")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	doc := &types.GenesisDoc{
		ChainID:      chainID,
		GenesisTime:  genesisTime,
		BlockTime:    blockTime,
		BFTBatchSize: bftBatchSize,
		Assets:       []*types.GenesisAsset{{Module: ModuleName, Data: data}},
	}
	if err := doc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	backend := NewBackend(chainID, g, memdb.NewDB())
	exec := state.NewBlockExec(chainID, backend, bft.NewModule(doc.BFTBatchSize), store.NewBlockStore(memdb.NewDB()))
	roots, err := exec.ComputeGenesisRoots(doc.GenesisBlock())
	if err != nil {
		return nil, errors.Wrap(err, "execute genesis block")
	}
	doc.StateRoot = roots.StateRoot
	doc.EventRoot = roots.EventRoot
	doc.ValidatorsHash = roots.ValidatorsHash
	return doc, nil
}
