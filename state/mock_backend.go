package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

// MockBackend 各步骤可注入的失败点
const (
	MockStepVerifyAssets = "verify_assets"
	MockStepBefore       = "before_transactions"
	MockStepVerifyTx     = "verify_transaction"
	MockStepExecuteTx    = "execute_transaction"
	MockStepAfter        = "after_transactions"
	MockStepCommit       = "commit"
	MockStepRevert       = "revert"
)

// MockInvalidCommand 校验时返回INVALID的交易命令
const MockInvalidCommand = "invalid"

var ErrMockStateRoot = errors.New("mock state root mismatch")

func NewMockBackend(genesis *types.ValidatorUpdate) *MockBackend {
	return &MockBackend{
		Genesis:  genesis,
		Updates:  make(map[int64]*types.ValidatorUpdate),
		Failures: make(map[string]error),
		contexts: make(map[string]*mockContext),
		roots:    make(map[int64][]byte),
	}
}

type mockContext struct {
	header *types.BlockHeader
	txIDs  [][]byte
}

// MockBackend 内存中的确定性状态机，stateRoot = hash(父stateRoot || height || 交易ID)
type MockBackend struct {
	mtx sync.Mutex

	Genesis  *types.ValidatorUpdate
	Updates  map[int64]*types.ValidatorUpdate
	Failures map[string]error

	contexts  map[string]*mockContext
	nextID    uint64
	roots     map[int64][]byte
	finalized int64
	clears    int
}

func MockStateRoot(prevRoot []byte, height int64, txIDs [][]byte) []byte {
	buf := append([]byte{}, prevRoot...)
	hb := make([]byte, 8)
	binary.BigEndian.PutUint64(hb, uint64(height))
	buf = append(buf, hb...)
	for _, id := range txIDs {
		buf = append(buf, id...)
	}
	return tmhash.Sum(buf)
}

// MockTxEvents 每个交易执行时产生的事件
func MockTxEvents(tx *types.Transaction) types.Events {
	return types.Events{{Module: tx.Module, Name: "executed", Data: tx.ID(), Topics: nil}}
}

func (m *MockBackend) fail(step string) error {
	if err, ok := m.Failures[step]; ok {
		return err
	}
	return nil
}

func (m *MockBackend) context(id ContextID) (*mockContext, error) {
	c, ok := m.contexts[string(id)]
	if !ok {
		return nil, errors.Errorf("unknown context %X", []byte(id))
	}
	return c, nil
}

func (m *MockBackend) InitStateMachine(header *types.BlockHeader) (ContextID, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.nextID++
	id := ContextID(fmt.Sprintf("ctx-%d", m.nextID))
	m.contexts[string(id)] = &mockContext{header: header}
	return id, nil
}

func (m *MockBackend) InitGenesisState(id ContextID) (types.Events, *types.ValidatorUpdate, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, err := m.context(id); err != nil {
		return nil, nil, err
	}
	return types.Events{{Module: "mock", Name: "genesis", Data: []byte{}}}, m.Genesis, nil
}

func (m *MockBackend) VerifyAssets(id ContextID, assets types.Assets) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.fail(MockStepVerifyAssets)
}

func (m *MockBackend) BeforeTransactionsExecute(id ContextID, assets types.Assets, params *ConsensusParams) (types.Events, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return nil, m.fail(MockStepBefore)
}

func (m *MockBackend) VerifyTransaction(id ContextID, tx *types.Transaction, header *types.BlockHeader) (TxResult, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.fail(MockStepVerifyTx); err != nil {
		return TxResultInvalid, err
	}
	if tx.Command == MockInvalidCommand {
		return TxResultInvalid, nil
	}
	return TxResultOK, nil
}

func (m *MockBackend) ExecuteTransaction(
	id ContextID,
	tx *types.Transaction,
	assets types.Assets,
	params *ConsensusParams,
	dryRun bool,
) (types.Events, TxResult, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.fail(MockStepExecuteTx); err != nil {
		return nil, TxResultInvalid, err
	}
	c, err := m.context(id)
	if err != nil {
		return nil, TxResultInvalid, err
	}
	if !dryRun {
		c.txIDs = append(c.txIDs, tx.ID())
	}
	return MockTxEvents(tx), TxResultOK, nil
}

func (m *MockBackend) AfterTransactionsExecute(
	id ContextID,
	assets types.Assets,
	params *ConsensusParams,
	txs types.Txs,
) (types.Events, *types.ValidatorUpdate, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.fail(MockStepAfter); err != nil {
		return nil, nil, err
	}
	c, err := m.context(id)
	if err != nil {
		return nil, nil, err
	}
	return nil, m.Updates[c.header.Height], nil
}

func (m *MockBackend) Commit(id ContextID, expectedStateRoot []byte, dryRun bool) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.fail(MockStepCommit); err != nil {
		return nil, err
	}
	c, err := m.context(id)
	if err != nil {
		return nil, err
	}
	height := c.header.Height
	root := MockStateRoot(m.roots[height-1], height, c.txIDs)
	if expectedStateRoot != nil && !bytes.Equal(root, expectedStateRoot) {
		return nil, errors.Wrapf(ErrMockStateRoot, "computed %X expected %X", root, expectedStateRoot)
	}
	if !dryRun {
		m.roots[height] = root
	}
	return root, nil
}

func (m *MockBackend) Revert(height int64, stateRoot, expectedStateRoot []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.fail(MockStepRevert); err != nil {
		return err
	}
	if !bytes.Equal(m.roots[height], stateRoot) {
		return errors.Wrapf(ErrMockStateRoot, "revert height %d", height)
	}
	delete(m.roots, height)
	if prev, ok := m.roots[height-1]; ok && !bytes.Equal(prev, expectedStateRoot) {
		return errors.Wrapf(ErrMockStateRoot, "revert to height %d", height-1)
	}
	return nil
}

func (m *MockBackend) Clear(id ContextID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.contexts, string(id))
	m.clears++
	return nil
}

func (m *MockBackend) Finalize(finalizedHeight int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.finalized = finalizedHeight
	return nil
}

// ClearCount Clear被调用的次数
func (m *MockBackend) ClearCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.clears
}

// OpenContexts 还没有被清理的上下文数量
func (m *MockBackend) OpenContexts() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.contexts)
}

func (m *MockBackend) FinalizedHeight() int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.finalized
}

// SetFailure 设置或清除（err为nil）某一步骤的失败
func (m *MockBackend) SetFailure(step string, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err == nil {
		delete(m.Failures, step)
		return
	}
	m.Failures[step] = err
}

var _ ExecutionBackend = (*MockBackend)(nil)
