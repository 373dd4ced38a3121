package consensus

import (
	"github.com/pkg/errors"
)

// 区块校验失败
var (
	ErrInvalidTimestamp       = errors.New("invalid block timestamp")
	ErrInvalidLinkage         = errors.New("block does not extend the tip")
	ErrInvalidGenerator       = errors.New("invalid block generator")
	ErrInvalidBFTProperties   = errors.New("invalid bft properties")
	ErrContradictingHeader    = errors.New("header contradicts the chain")
	ErrInvalidBlockSignature  = errors.New("invalid block signature")
	ErrInvalidAggregateCommit = errors.New("invalid aggregate commit")
)

var (
	ErrNotRunning         = errors.New("consensus is not running")
	ErrNotActiveGenerator = errors.New("local validator is not the generator of the slot")
	ErrNoPrivValidator    = errors.New("no local validator")
	ErrRateLimited        = errors.New("request rate limit exceeded")
	ErrUnknownProcedure   = errors.New("unknown procedure")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrRequestTimeout     = errors.New("request timed out")
)

// ErrInvalidRequest 对端发送了格式错误的请求，reactor据此惩罚对端
var ErrInvalidRequest = errors.New("invalid request")
