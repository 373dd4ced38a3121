package types

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

const (
	GenesisVersion = uint32(0)
	BlockVersion   = uint32(2)

	IDLength        = tmhash.Size
	SignatureLength = ed25519.SignatureSize

	// MaxTransactionsBytes 区块内交易编码后的总大小上限
	MaxTransactionsBytes = 15 * 1024
)

// MessageTagBlockHeader 区块头签名时的域分隔前缀
const MessageTagBlockHeader = "CB_BH_"

var (
	ErrInvalidHeader = errors.New("invalid block header")
	ErrInvalidBlock  = errors.New("invalid block")

	// EmptyHash 空集合的merkle root
	EmptyHash = tmbytes.HexBytes(tmhash.Sum([]byte{}))
)

// BlockHeader 区块头，ID是完整编码（包括签名）的hash
type BlockHeader struct {
	Version            uint32           `json:"version"`
	Timestamp          int64            `json:"timestamp"` // 秒
	Height             int64            `json:"height"`
	PreviousBlockID    tmbytes.HexBytes `json:"previous_block_id"`
	GeneratorAddress   Address          `json:"generator_address"`
	TransactionRoot    tmbytes.HexBytes `json:"transaction_root"`
	AssetRoot          tmbytes.HexBytes `json:"asset_root"`
	EventRoot          tmbytes.HexBytes `json:"event_root"`
	StateRoot          tmbytes.HexBytes `json:"state_root"`
	MaxHeightPrevoted  int64            `json:"max_height_prevoted"`
	MaxHeightGenerated int64            `json:"max_height_generated"`
	ImpliesMaxPrevotes bool             `json:"implies_max_prevotes"`
	ValidatorsHash     tmbytes.HexBytes `json:"validators_hash"`
	AggregateCommit    AggregateCommit  `json:"aggregate_commit"`
	Signature          tmbytes.HexBytes `json:"signature"`
}

func (h *BlockHeader) encode(withSignature bool) []byte {
	e := &encoder{}
	e.writeUint(1, uint64(h.Version))
	e.writeInt(2, h.Timestamp)
	e.writeInt(3, h.Height)
	e.writeBytes(4, h.PreviousBlockID)
	e.writeBytes(5, h.GeneratorAddress)
	e.writeBytes(6, h.TransactionRoot)
	e.writeBytes(7, h.AssetRoot)
	e.writeBytes(8, h.EventRoot)
	e.writeBytes(9, h.StateRoot)
	e.writeInt(10, h.MaxHeightPrevoted)
	e.writeInt(11, h.MaxHeightGenerated)
	e.writeBool(12, h.ImpliesMaxPrevotes)
	e.writeBytes(13, h.ValidatorsHash)
	e.writeBytes(14, h.AggregateCommit.Bytes())
	if withSignature {
		e.writeBytes(15, h.Signature)
	}
	return e.Bytes()
}

// Bytes 完整编码
func (h *BlockHeader) Bytes() []byte {
	return h.encode(true)
}

// SigningBytes 不包含签名字段的编码
func (h *BlockHeader) SigningBytes() []byte {
	return h.encode(false)
}

// ID 区块ID，每次调用都会重新计算，修改header后ID随之改变
func (h *BlockHeader) ID() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	return tmhash.Sum(h.Bytes())
}

func DecodeBlockHeader(bz []byte) (*BlockHeader, error) {
	d := newDecoder("block header", bz)
	h := &BlockHeader{}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			var v uint64
			v, err = d.uint(typ)
			h.Version = uint32(v)
		case 2:
			h.Timestamp, err = d.int(typ)
		case 3:
			h.Height, err = d.int(typ)
		case 4:
			h.PreviousBlockID, err = d.bytes(typ)
		case 5:
			h.GeneratorAddress, err = d.bytes(typ)
		case 6:
			h.TransactionRoot, err = d.bytes(typ)
		case 7:
			h.AssetRoot, err = d.bytes(typ)
		case 8:
			h.EventRoot, err = d.bytes(typ)
		case 9:
			h.StateRoot, err = d.bytes(typ)
		case 10:
			h.MaxHeightPrevoted, err = d.int(typ)
		case 11:
			h.MaxHeightGenerated, err = d.int(typ)
		case 12:
			h.ImpliesMaxPrevotes, err = d.bool(typ)
		case 13:
			h.ValidatorsHash, err = d.bytes(typ)
		case 14:
			var bz []byte
			if bz, err = d.bytes(typ); err == nil {
				var ac *AggregateCommit
				if ac, err = DecodeAggregateCommit(bz); err == nil {
					h.AggregateCommit = *ac
				}
			}
		case 15:
			h.Signature, err = d.bytes(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15); err != nil {
		return nil, err
	}
	return h, nil
}

// HeaderSignBytes 生成者签名的内容：tag || chainID || 不含签名的header编码
func HeaderSignBytes(chainID string, h *BlockHeader) []byte {
	return signBytes(MessageTagBlockHeader, chainID, h.SigningBytes())
}

func signBytes(tag, chainID string, payload []byte) []byte {
	out := make([]byte, 0, len(tag)+len(chainID)+len(payload))
	out = append(out, tag...)
	out = append(out, chainID...)
	return append(out, payload...)
}

// Sign 使用生成者私钥签名区块头
func (h *BlockHeader) Sign(chainID string, key crypto.PrivKey) error {
	sig, err := key.Sign(HeaderSignBytes(chainID, h))
	if err != nil {
		return err
	}
	h.Signature = sig
	return nil
}

func (h *BlockHeader) VerifySignature(chainID string, generatorKey []byte) bool {
	if len(generatorKey) != ed25519.PubKeySize {
		return false
	}
	return ed25519.PubKey(generatorKey).VerifySignature(HeaderSignBytes(chainID, h), h.Signature)
}

func (h *BlockHeader) ValidateBasic() error {
	if h.Version != BlockVersion {
		return errors.Wrapf(ErrInvalidHeader, "version %d", h.Version)
	}
	if h.Height < 1 {
		return errors.Wrapf(ErrInvalidHeader, "height %d", h.Height)
	}
	if h.Timestamp < 0 {
		return errors.Wrap(ErrInvalidHeader, "negative timestamp")
	}
	if len(h.GeneratorAddress) != crypto.AddressSize {
		return errors.Wrap(ErrInvalidHeader, "generator address length")
	}
	if len(h.Signature) != SignatureLength {
		return errors.Wrap(ErrInvalidHeader, "signature length")
	}
	if h.MaxHeightPrevoted < 0 || h.MaxHeightGenerated < 0 {
		return errors.Wrap(ErrInvalidHeader, "negative bft height")
	}
	if err := h.validateHashes(); err != nil {
		return err
	}
	return h.AggregateCommit.ValidateBasic()
}

// ValidateGenesis 创世区块的结构规则
func (h *BlockHeader) ValidateGenesis() error {
	if h.Version != GenesisVersion {
		return errors.Wrapf(ErrInvalidHeader, "genesis version %d", h.Version)
	}
	if h.Height < 0 || h.Timestamp < 0 {
		return errors.Wrap(ErrInvalidHeader, "negative genesis height or timestamp")
	}
	if !bytes.Equal(h.TransactionRoot, EmptyHash) {
		return errors.Wrap(ErrInvalidHeader, "genesis transaction root must be empty hash")
	}
	if len(h.GeneratorAddress) != 0 || len(h.Signature) != 0 {
		return errors.Wrap(ErrInvalidHeader, "genesis must not have generator or signature")
	}
	if h.MaxHeightPrevoted != h.Height || h.MaxHeightGenerated != h.Height || !h.ImpliesMaxPrevotes {
		return errors.Wrap(ErrInvalidHeader, "genesis bft properties")
	}
	ac := h.AggregateCommit
	if ac.Height != h.Height || len(ac.AggregationBits) != 0 || len(ac.CertificateSignature) != 0 {
		return errors.Wrap(ErrInvalidHeader, "genesis aggregate commit must be empty")
	}
	return h.validateHashes()
}

func (h *BlockHeader) validateHashes() error {
	for name, v := range map[string][]byte{
		"previous block id": h.PreviousBlockID,
		"transaction root":  h.TransactionRoot,
		"asset root":        h.AssetRoot,
		"event root":        h.EventRoot,
		"state root":        h.StateRoot,
		"validators hash":   h.ValidatorsHash,
	} {
		if len(v) != IDLength {
			return errors.Wrapf(ErrInvalidHeader, "%s length %d", name, len(v))
		}
	}
	return nil
}

func (h *BlockHeader) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{%d %v ts:%d gen:%v mhp:%d mhg:%d}",
		h.Height, h.ID(), h.Timestamp, h.GeneratorAddress, h.MaxHeightPrevoted, h.MaxHeightGenerated)
}

// Block 区块：header + 交易 + 模块资产
type Block struct {
	Header       *BlockHeader `json:"header"`
	Transactions Txs          `json:"transactions"`
	Assets       Assets       `json:"assets"`
}

// NewBlock 根据内容填写header中的transactionRoot和assetRoot
func NewBlock(header *BlockHeader, txs Txs, assets Assets) *Block {
	header.TransactionRoot = txs.Root()
	header.AssetRoot = assets.Root()
	return &Block{Header: header, Transactions: txs, Assets: assets}
}

func (b *Block) ID() tmbytes.HexBytes {
	return b.Header.ID()
}

func (b *Block) Height() int64 {
	return b.Header.Height
}

func (b *Block) Bytes() []byte {
	e := &encoder{}
	e.writeBytes(1, b.Header.Bytes())
	for _, tx := range b.Transactions {
		e.writeBytes(2, tx.Bytes())
	}
	for _, asset := range b.Assets {
		e.writeBytes(3, asset.Bytes())
	}
	return e.Bytes()
}

func DecodeBlock(bz []byte) (*Block, error) {
	d := newDecoder("block", bz)
	b := &Block{Transactions: Txs{}, Assets: Assets{}}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var field []byte
		if field, err = d.bytes(typ); err != nil {
			return nil, err
		}
		switch num {
		case 1:
			b.Header, err = DecodeBlockHeader(field)
		case 2:
			var tx *Transaction
			if tx, err = DecodeTransaction(field); err == nil {
				b.Transactions = append(b.Transactions, tx)
			}
		case 3:
			var asset *Asset
			if asset, err = DecodeAsset(field); err == nil {
				b.Assets = append(b.Assets, asset)
			}
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateBasic 不依赖链状态的结构检查
func (b *Block) ValidateBasic() error {
	if b.Header == nil {
		return errors.Wrap(ErrInvalidBlock, "missing header")
	}
	if err := b.Header.ValidateBasic(); err != nil {
		return err
	}
	if err := b.validateBody(); err != nil {
		return err
	}
	for _, tx := range b.Transactions {
		if err := tx.ValidateBasic(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Block) ValidateGenesis() error {
	if b.Header == nil {
		return errors.Wrap(ErrInvalidBlock, "missing header")
	}
	if err := b.Header.ValidateGenesis(); err != nil {
		return err
	}
	if len(b.Transactions) != 0 {
		return errors.Wrap(ErrInvalidBlock, "genesis block must not contain transactions")
	}
	return b.validateBody()
}

func (b *Block) validateBody() error {
	if err := b.Assets.ValidateBasic(); err != nil {
		return err
	}
	if !bytes.Equal(b.Header.AssetRoot, b.Assets.Root()) {
		return errors.Wrap(ErrInvalidBlock, "asset root mismatch")
	}
	if !bytes.Equal(b.Header.TransactionRoot, b.Transactions.Root()) {
		return errors.Wrap(ErrInvalidBlock, "transaction root mismatch")
	}
	if size := b.Transactions.Size(); size > MaxTransactionsBytes {
		return errors.Wrapf(ErrInvalidBlock, "transactions size %d exceeds %d", size, MaxTransactionsBytes)
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{%v txs:%d}", b.Header, len(b.Transactions))
}

// Asset 模块在区块中携带的数据
type Asset struct {
	Module string           `json:"module"`
	Data   tmbytes.HexBytes `json:"data"`
}

func (a *Asset) Bytes() []byte {
	e := &encoder{}
	e.writeString(1, a.Module)
	e.writeBytes(2, a.Data)
	return e.Bytes()
}

func DecodeAsset(bz []byte) (*Asset, error) {
	d := newDecoder("asset", bz)
	a := &Asset{}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			a.Module, err = d.string(typ)
		case 2:
			a.Data, err = d.bytes(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1, 2); err != nil {
		return nil, err
	}
	return a, nil
}

// Assets 按模块名严格递增排列
type Assets []*Asset

func (as Assets) Root() tmbytes.HexBytes {
	bzs := make([][]byte, len(as))
	for i, a := range as {
		bzs[i] = a.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

func (as Assets) Get(module string) []byte {
	for _, a := range as {
		if a.Module == module {
			return a.Data
		}
	}
	return nil
}

func (as Assets) ValidateBasic() error {
	for i, a := range as {
		if a.Module == "" {
			return errors.Wrap(ErrInvalidBlock, "asset without module")
		}
		if i > 0 && as[i-1].Module >= a.Module {
			return errors.Wrap(ErrInvalidBlock, "assets must be sorted by module and unique")
		}
	}
	return nil
}
