package synchronizer

import (
	"fmt"

	"github.com/tendermint/tendermint/p2p"
)

// AbortError 放弃本次同步
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("abort synchronization: %s", e.Reason)
}

// RestartError 重新选择同步机制再试一次
type RestartError struct {
	Reason string
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart synchronization: %s", e.Reason)
}

// ApplyPenaltyAndRestartError 惩罚peer后重新同步
type ApplyPenaltyAndRestartError struct {
	PeerID p2p.ID
	Reason string
}

func (e *ApplyPenaltyAndRestartError) Error() string {
	return fmt.Sprintf("penalize peer %v and restart synchronization: %s", e.PeerID, e.Reason)
}

// ApplyPenaltyAndAbortError 惩罚peer并放弃本次同步
type ApplyPenaltyAndAbortError struct {
	PeerID p2p.ID
	Reason string
}

func (e *ApplyPenaltyAndAbortError) Error() string {
	return fmt.Sprintf("penalize peer %v and abort synchronization: %s", e.PeerID, e.Reason)
}

func abort(format string, args ...interface{}) error {
	return &AbortError{Reason: fmt.Sprintf(format, args...)}
}

func penaltyAndRestart(peerID p2p.ID, format string, args ...interface{}) error {
	return &ApplyPenaltyAndRestartError{PeerID: peerID, Reason: fmt.Sprintf(format, args...)}
}

func penaltyAndAbort(peerID p2p.ID, format string, args ...interface{}) error {
	return &ApplyPenaltyAndAbortError{PeerID: peerID, Reason: fmt.Sprintf(format, args...)}
}
