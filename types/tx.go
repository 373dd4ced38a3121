package types

import (
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// MessageTagTransaction 交易签名的域分隔前缀
const MessageTagTransaction = "CB_TX_"

var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction 交易由 module/command 路由到状态机的命令处理函数
type Transaction struct {
	Module          string             `json:"module"`
	Command         string             `json:"command"`
	Nonce           uint64             `json:"nonce"`
	Fee             uint64             `json:"fee"`
	SenderPublicKey tmbytes.HexBytes   `json:"sender_public_key"`
	Params          tmbytes.HexBytes   `json:"params"`
	Signatures      []tmbytes.HexBytes `json:"signatures"`
}

func (tx *Transaction) encode(withSignatures bool) []byte {
	e := &encoder{}
	e.writeString(1, tx.Module)
	e.writeString(2, tx.Command)
	e.writeUint(3, tx.Nonce)
	e.writeUint(4, tx.Fee)
	e.writeBytes(5, tx.SenderPublicKey)
	e.writeBytes(6, tx.Params)
	if withSignatures {
		for _, sig := range tx.Signatures {
			e.writeBytes(7, sig)
		}
	}
	return e.Bytes()
}

func (tx *Transaction) Bytes() []byte {
	return tx.encode(true)
}

func (tx *Transaction) SigningBytes() []byte {
	return tx.encode(false)
}

func (tx *Transaction) ID() tmbytes.HexBytes {
	return tmhash.Sum(tx.Bytes())
}

// SenderAddress 发送者地址，由公钥推导
func (tx *Transaction) SenderAddress() Address {
	return Address(ed25519.PubKey(tx.SenderPublicKey).Address())
}

func (tx *Transaction) Sign(chainID string, key crypto.PrivKey) error {
	sig, err := key.Sign(signBytes(MessageTagTransaction, chainID, tx.SigningBytes()))
	if err != nil {
		return err
	}
	tx.Signatures = []tmbytes.HexBytes{sig}
	return nil
}

// VerifySignature 检查第一个签名是否来自发送者
func (tx *Transaction) VerifySignature(chainID string) bool {
	if len(tx.Signatures) == 0 || len(tx.SenderPublicKey) != ed25519.PubKeySize {
		return false
	}
	msg := signBytes(MessageTagTransaction, chainID, tx.SigningBytes())
	return ed25519.PubKey(tx.SenderPublicKey).VerifySignature(msg, tx.Signatures[0])
}

func (tx *Transaction) ValidateBasic() error {
	if tx.Module == "" || tx.Command == "" {
		return errors.Wrap(ErrInvalidTransaction, "missing module or command")
	}
	if len(tx.SenderPublicKey) != ed25519.PubKeySize {
		return errors.Wrap(ErrInvalidTransaction, "sender public key length")
	}
	if len(tx.Signatures) == 0 {
		return errors.Wrap(ErrInvalidTransaction, "no signature")
	}
	for _, sig := range tx.Signatures {
		if len(sig) != SignatureLength {
			return errors.Wrap(ErrInvalidTransaction, "signature length")
		}
	}
	return nil
}

func DecodeTransaction(bz []byte) (*Transaction, error) {
	d := newDecoder("transaction", bz)
	tx := &Transaction{}
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
			tx.Module, err = d.string(typ)
		case 2:
			tx.Command, err = d.string(typ)
		case 3:
			tx.Nonce, err = d.uint(typ)
		case 4:
			tx.Fee, err = d.uint(typ)
		case 5:
			tx.SenderPublicKey, err = d.bytes(typ)
		case 6:
			tx.Params, err = d.bytes(typ)
		case 7:
			var sig []byte
			if sig, err = d.bytes(typ); err == nil {
				tx.Signatures = append(tx.Signatures, sig)
			}
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1, 2, 3, 4, 5, 6); err != nil {
		return nil, err
	}
	return tx, nil
}

type Txs []*Transaction

// Root 交易ID形成的merkle tree的根
func (txs Txs) Root() tmbytes.HexBytes {
	ids := make([][]byte, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	return merkle.HashFromByteSlices(ids)
}

// Size 交易编码后的总字节数
func (txs Txs) Size() int {
	s := 0
	for _, tx := range txs {
		s += len(tx.Bytes())
	}
	return s
}
