package state

import "github.com/pkg/errors"

var (
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrEventRootMismatch      = errors.New("event root mismatch")
	ErrValidatorsHashMismatch = errors.New("validators hash mismatch")
	ErrNoGenesisValidators    = errors.New("genesis state did not set validators")
	ErrCommitFailed           = errors.New("state machine commit failed")
	ErrRemoveFinalized        = errors.New("cannot revert finalized block")
)
