package state

import (
	"fmt"
	"sync"

	"chainbft_node/types"

	"github.com/pkg/errors"
)

// ExecStatus 一次区块执行的状态
type ExecStatus uint8

const (
	ExecInit ExecStatus = iota
	ExecAssetsVerified
	ExecExecuting
	ExecExecuted
	ExecCommitted
	ExecAborted
)

func (s ExecStatus) String() string {
	switch s {
	case ExecInit:
		return "INIT"
	case ExecAssetsVerified:
		return "ASSETS_VERIFIED"
	case ExecExecuting:
		return "EXECUTING"
	case ExecExecuted:
		return "EXECUTED"
	case ExecCommitted:
		return "COMMITTED"
	case ExecAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("ExecStatus(%d)", uint8(s))
	}
}

var errIllegalTransition = errors.New("illegal execution state transition")

// ExecutionContext 持有状态机的上下文，Close保证Clear只被调用一次
//
//	ectx, err := OpenContext(backend, header)
//	if err != nil { ... }
//	defer ectx.Close()
type ExecutionContext struct {
	backend ExecutionBackend
	id      ContextID
	header  *types.BlockHeader
	status  ExecStatus

	once     sync.Once
	clearErr error
}

func OpenContext(backend ExecutionBackend, header *types.BlockHeader) (*ExecutionContext, error) {
	id, err := backend.InitStateMachine(header)
	if err != nil {
		return nil, errors.Wrap(err, "init state machine")
	}
	return &ExecutionContext{backend: backend, id: id, header: header, status: ExecInit}, nil
}

func (c *ExecutionContext) ID() ContextID {
	return c.id
}

func (c *ExecutionContext) Status() ExecStatus {
	return c.status
}

// advance 只允许按 INIT → ASSETS_VERIFIED → EXECUTING → EXECUTED → COMMITTED 前进
func (c *ExecutionContext) advance(to ExecStatus) error {
	if c.status == ExecAborted || c.status == ExecCommitted || to != c.status+1 {
		return errors.Wrapf(errIllegalTransition, "%v -> %v", c.status, to)
	}
	c.status = to
	return nil
}

// Close 未提交的上下文标记为ABORTED，然后清理状态机上下文
func (c *ExecutionContext) Close() error {
	c.once.Do(func() {
		if c.status != ExecCommitted {
			c.status = ExecAborted
		}
		c.clearErr = c.backend.Clear(c.id)
	})
	return c.clearErr
}
