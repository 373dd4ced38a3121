package smallbank

import (
	"fmt"

	"chainbft_node/types"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

const ModuleName = "smallbank"

// SmallBank的五种交易
const (
	CommandDepositChecking = "deposit_checking"
	CommandTransactSavings = "transact_savings"
	CommandAmalgamate      = "amalgamate"
	CommandWriteCheck      = "write_check"
	CommandSendPayment     = "send_payment"
)

const (
	// MinFee 每笔交易从checking中扣除的最低手续费
	MinFee = uint64(1)
	// BlockReward 出块奖励，区块没有对之前的区块投满prevote时只发四分之一
	BlockReward = int64(10)
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownCommand = errors.New("unknown smallbank command")
	ErrInvalidParams  = errors.New("invalid smallbank params")
	ErrStateRoot      = errors.New("state root mismatch")
	ErrUnknownContext = errors.New("unknown execution context")
)

// Account 一个地址的储蓄和支票余额
type Account struct {
	Nonce    uint64 `json:"nonce"`
	Checking int64  `json:"checking"`
	Saving   int64  `json:"saving"`
}

func (acc *Account) Total() int64 {
	return acc.Checking + acc.Saving
}

// Params 交易参数，各命令只使用其中一部分
type Params struct {
	Amount int64         `json:"amount,omitempty"`
	To     types.Address `json:"to,omitempty"`
}

func (p *Params) validate(command string) error {
	switch command {
	case CommandDepositChecking, CommandWriteCheck:
		if p.Amount <= 0 {
			return errors.Wrapf(ErrInvalidParams, "%s amount must be positive", command)
		}
	case CommandTransactSavings:
		if p.Amount == 0 {
			return errors.Wrapf(ErrInvalidParams, "%s amount must not be zero", command)
		}
	case CommandAmalgamate:
		if len(p.To) != crypto.AddressSize {
			return errors.Wrapf(ErrInvalidParams, "%s destination address", command)
		}
	case CommandSendPayment:
		if len(p.To) != crypto.AddressSize {
			return errors.Wrapf(ErrInvalidParams, "%s destination address", command)
		}
		if p.Amount <= 0 {
			return errors.Wrapf(ErrInvalidParams, "%s amount must be positive", command)
		}
	default:
		return errors.Wrap(ErrUnknownCommand, command)
	}
	return nil
}

func decodeParams(command string, bz []byte) (*Params, error) {
	p := &Params{}
	if err := json.Unmarshal(bz, p); err != nil {
		return nil, errors.Wrap(ErrInvalidParams, err.Error())
	}
	if err := p.validate(command); err != nil {
		return nil, err
	}
	return p, nil
}

// NewTransaction 构造并签名一笔SmallBank交易
func NewTransaction(chainID, command string, params *Params, nonce, fee uint64, key crypto.PrivKey) (*types.Transaction, error) {
	if err := params.validate(command); err != nil {
		return nil, err
	}
	bz, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	tx := &types.Transaction{
		Module:          ModuleName,
		Command:         command,
		Nonce:           nonce,
		Fee:             fee,
		SenderPublicKey: key.PubKey().Bytes(),
		Params:          bz,
	}
	if err := tx.Sign(chainID, key); err != nil {
		return nil, err
	}
	return tx, nil
}

// AccountKey 创世账户和压测工具共用的确定性密钥
func AccountKey(index int) crypto.PrivKey {
	return ed25519.GenPrivKeyFromSecret([]byte(fmt.Sprintf("smallbank-account-%d", index)))
}

// GenesisAccount 创世时的账户余额
type GenesisAccount struct {
	Address  types.Address `json:"address"`
	Checking int64         `json:"checking"`
	Saving   int64         `json:"saving"`
}

// Genesis smallbank模块在创世文件中的数据
type Genesis struct {
	Accounts             []*GenesisAccount      `json:"accounts"`
	Validators           []*types.ValidatorInfo `json:"validators"`
	PrecommitThreshold   uint64                 `json:"precommit_threshold"`
	CertificateThreshold uint64                 `json:"certificate_threshold"`
}

// GenesisFromDoc 从创世文件中取出smallbank模块的数据
func GenesisFromDoc(genDoc *types.GenesisDoc) (*Genesis, error) {
	for _, a := range genDoc.Assets {
		if a.Module != ModuleName {
			continue
		}
		g := &Genesis{}
		if err := json.Unmarshal(a.Data, g); err != nil {
			return nil, errors.Wrap(err, "decode smallbank genesis")
		}
		return g, nil
	}
	return nil, errors.Errorf("genesis has no %s asset", ModuleName)
}

// ValidatorUpdate 创世验证者，阈值为0时按总权重的2/3+1计算
func (g *Genesis) ValidatorUpdate() *types.ValidatorUpdate {
	var total uint64
	for _, v := range g.Validators {
		total += v.BFTWeight
	}
	precommit, certificate := g.PrecommitThreshold, g.CertificateThreshold
	if precommit == 0 {
		precommit = total*2/3 + 1
	}
	if certificate == 0 {
		certificate = precommit
	}
	return &types.ValidatorUpdate{
		NextValidators:       g.Validators,
		PrecommitThreshold:   precommit,
		CertificateThreshold: certificate,
	}
}
