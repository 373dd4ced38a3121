package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
)

type Address crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return Address(key.Address())
}

func (addr Address) Equal(other Address) bool {
	if addr == nil || other == nil {
		return false
	}
	return bytes.Equal(addr, other)
}

func (addr Address) String() string {
	return fmt.Sprintf("%X", []byte(addr))
}
