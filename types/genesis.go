package types

import (
	"encoding/json"
	"io/ioutil"
	"sort"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/tempfile"
)

const (
	DefaultBlockTime    = int64(10)
	DefaultBFTBatchSize = int64(103)
)

// GenesisAsset 创世区块中某个模块的初始数据
type GenesisAsset struct {
	Module string          `json:"module"`
	Data   json.RawMessage `json:"data"`
}

// GenesisDoc 创世文件，描述链参数和创世区块
type GenesisDoc struct {
	ChainID       string          `json:"chain_id"`
	GenesisTime   int64           `json:"genesis_time"` // 秒
	GenesisHeight int64           `json:"genesis_height"`
	BlockTime     int64           `json:"block_time"`
	BFTBatchSize  int64           `json:"bft_batch_size"`
	Assets        []*GenesisAsset `json:"assets"`

	// 执行创世区块后得到的结果，由 gen-genesis 写入
	StateRoot      tmbytes.HexBytes `json:"state_root"`
	EventRoot      tmbytes.HexBytes `json:"event_root"`
	ValidatorsHash tmbytes.HexBytes `json:"validators_hash"`
}

func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if genDoc.BlockTime == 0 {
		genDoc.BlockTime = DefaultBlockTime
	}
	if genDoc.BlockTime < 0 {
		return errors.Errorf("block_time must be positive, got %d", genDoc.BlockTime)
	}
	if genDoc.BFTBatchSize == 0 {
		genDoc.BFTBatchSize = DefaultBFTBatchSize
	}
	if genDoc.GenesisHeight < 0 {
		return errors.Errorf("genesis_height must not be negative, got %d", genDoc.GenesisHeight)
	}
	for _, root := range []tmbytes.HexBytes{genDoc.StateRoot, genDoc.EventRoot, genDoc.ValidatorsHash} {
		if len(root) == 0 {
			continue
		}
		if len(root) != IDLength {
			return errors.Errorf("genesis root has wrong length %d", len(root))
		}
	}
	return nil
}

// GenesisBlock 构造创世区块，尚未计算的根用EmptyHash占位
func (genDoc *GenesisDoc) GenesisBlock() *Block {
	assets := make(Assets, 0, len(genDoc.Assets))
	for _, a := range genDoc.Assets {
		assets = append(assets, &Asset{Module: a.Module, Data: []byte(a.Data)})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Module < assets[j].Module })
	header := &BlockHeader{
		Version:            GenesisVersion,
		Timestamp:          genDoc.GenesisTime,
		Height:             genDoc.GenesisHeight,
		PreviousBlockID:    make([]byte, IDLength),
		GeneratorAddress:   []byte{},
		EventRoot:          orEmptyHash(genDoc.EventRoot),
		StateRoot:          orEmptyHash(genDoc.StateRoot),
		MaxHeightPrevoted:  genDoc.GenesisHeight,
		MaxHeightGenerated: genDoc.GenesisHeight,
		ImpliesMaxPrevotes: true,
		ValidatorsHash:     orEmptyHash(genDoc.ValidatorsHash),
		AggregateCommit:    EmptyAggregateCommit(genDoc.GenesisHeight),
		Signature:          []byte{},
	}
	return NewBlock(header, Txs{}, assets)
}

func (genDoc *GenesisDoc) Slots() Slots {
	return NewSlots(genDoc.GenesisTime, genDoc.BlockTime)
}

func orEmptyHash(bz tmbytes.HexBytes) tmbytes.HexBytes {
	if len(bz) == 0 {
		return EmptyHash
	}
	return bz
}

// SaveAs is a utility method for saving GenensisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(file, genDocBytes, 0644)
}

func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := tmjson.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read GenesisDoc file")
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading GenesisDoc at %s", genDocFile)
	}
	return genDoc, nil
}
