package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chainbft_node/bft"
	cfg "chainbft_node/config"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/state"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tm-db/memdb"
)

const testChainID = "consensus_test"

// testNode 一个节点的共识状态和它依赖的组件
type testNode struct {
	cs         *ConsensusState
	backend    *state.MockBackend
	blockStore *store.BlockStore
	bft        *bft.Module
	exec       state.BlockExecutor
	pvs        []*types.MockPV
	genDoc     *types.GenesisDoc
}

func makeTestPVs(n int) []*types.MockPV {
	pvs := make([]*types.MockPV, n)
	for i := range pvs {
		pvs[i] = types.NewMockPVFromSeed([]byte(fmt.Sprintf("consensus-validator-%d", i)))
	}
	return pvs
}

// makeGenesisDoc 创世时间在过去，测试中的slot都不会是未来slot
func makeGenesisDoc(t *testing.T, pvs []*types.MockPV, genesisTime int64) *types.GenesisDoc {
	doc := &types.GenesisDoc{ChainID: testChainID, GenesisTime: genesisTime, BlockTime: 10, BFTBatchSize: int64(len(pvs))}
	require.NoError(t, doc.ValidateAndComplete())
	exec := state.NewBlockExec(testChainID, newTestBackend(pvs), bft.NewModule(doc.BFTBatchSize), store.NewBlockStore(memdb.NewDB()))
	roots, err := exec.ComputeGenesisRoots(doc.GenesisBlock())
	require.NoError(t, err)
	doc.StateRoot = roots.StateRoot
	doc.EventRoot = roots.EventRoot
	doc.ValidatorsHash = roots.ValidatorsHash
	return doc
}

func newTestBackend(pvs []*types.MockPV) *state.MockBackend {
	infos := make([]*types.ValidatorInfo, len(pvs))
	for i, pv := range pvs {
		infos[i] = types.ValidatorInfoOf(pv, 1)
	}
	threshold := uint64(len(pvs)*2/3 + 1)
	return state.NewMockBackend(&types.ValidatorUpdate{
		NextValidators:       infos,
		PrecommitThreshold:   threshold,
		CertificateThreshold: threshold,
	})
}

func newTestNode(t *testing.T, genDoc *types.GenesisDoc, pvs []*types.MockPV, options ...ConsensusOption) *testNode {
	backend := newTestBackend(pvs)
	blockStore := store.NewBlockStore(memdb.NewDB())
	bftModule := bft.NewModule(genDoc.BFTBatchSize)
	exec := state.NewBlockExec(genDoc.ChainID, backend, bftModule, blockStore)

	cs := NewConsensusState(cfg.TestConsensusConfig(), genDoc, exec, blockStore, bftModule, options...)
	cs.SetLogger(log.TestingLogger())
	return &testNode{
		cs:         cs,
		backend:    backend,
		blockStore: blockStore,
		bft:        bftModule,
		exec:       exec,
		pvs:        pvs,
		genDoc:     genDoc,
	}
}

func startTestNode(t *testing.T, n *testNode) {
	require.NoError(t, n.cs.Start())
	t.Cleanup(func() {
		if n.cs.IsRunning() {
			require.NoError(t, n.cs.Stop())
		}
	})
}

func (n *testNode) pvByAddress(address types.Address) *types.MockPV {
	for _, pv := range n.pvs {
		if pv.GetAddress().Equal(address) {
			return pv
		}
	}
	return nil
}

// makeBlock 在当前链头上为slot创建区块，出块者由slot决定
func (n *testNode) makeBlock(t *testing.T, slot types.LTime) *types.Block {
	return n.makeBlockOn(t, n.cs.LastHeader(), slot)
}

func (n *testNode) makeBlockOn(t *testing.T, prev *types.BlockHeader, slot types.LTime) *types.Block {
	timestamp := n.cs.slots.SlotTime(slot)
	generator, err := n.cs.GetGeneratorAtTimestamp(timestamp)
	require.NoError(t, err)
	pv := n.pvByAddress(generator)
	require.NotNil(t, pv)
	ac, err := n.cs.GetAggregateCommit()
	require.NoError(t, err)
	block, err := n.exec.CreateBlock(&state.BlockTemplate{
		Prev:            prev,
		Timestamp:       timestamp,
		Generator:       pv,
		AggregateCommit: ac,
	})
	require.NoError(t, err)
	return block
}

// extend 依次为后续slot出块并执行
func (n *testNode) extend(t *testing.T, count int) {
	for i := 0; i < count; i++ {
		slot := n.cs.slots.SlotNumber(n.cs.LastHeader().Timestamp) + 1
		require.NoError(t, n.cs.Execute(n.makeBlock(t, slot)))
	}
}

// eventRecorder 记录EventSwitch发出的事件
type eventRecorder struct {
	mtx    sync.Mutex
	counts map[string]int
	data   map[string][]events.EventData
}

func recordEvents(t *testing.T, evsw events.EventSwitch) *eventRecorder {
	r := &eventRecorder{counts: make(map[string]int), data: make(map[string][]events.EventData)}
	for _, event := range []string{EventBlockNew, EventBlockDelete, EventForkDetected, EventValidatorsChanged, EventFinalizedHeightChanged} {
		event := event
		require.NoError(t, evsw.AddListenerForEvent("recorder", event, func(data events.EventData) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.counts[event]++
			r.data[event] = append(r.data[event], data)
		}))
	}
	return r
}

func (r *eventRecorder) count(event string) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.counts[event]
}

func (r *eventRecorder) last(event string) events.EventData {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	list := r.data[event]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// mockNetwork 记录广播和惩罚
type mockNetwork struct {
	mtx        sync.Mutex
	broadcasts map[byte][][]byte
	penalties  map[p2p.ID]int
	statuses   []cstypes.PeerStatus
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{broadcasts: make(map[byte][][]byte), penalties: make(map[p2p.ID]int)}
}

func (m *mockNetwork) Broadcast(chID byte, msg []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.broadcasts[chID] = append(m.broadcasts[chID], msg)
}

func (m *mockNetwork) Send(peerID p2p.ID, chID byte, msg []byte) bool {
	return true
}

func (m *mockNetwork) ApplyPenalty(peerID p2p.ID, weight int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.penalties[peerID]++
}

func (m *mockNetwork) RequestFromPeer(_ context.Context, peerID p2p.ID, procedure string, data []byte) ([]byte, error) {
	return nil, ErrPeerNotFound
}

func (m *mockNetwork) PeerStatuses() []cstypes.PeerStatus {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]cstypes.PeerStatus{}, m.statuses...)
}

func (m *mockNetwork) penaltyCount(peerID p2p.ID) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.penalties[peerID]
}

func (m *mockNetwork) broadcastCount(chID byte) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.broadcasts[chID])
}

func waitFor(t *testing.T, cond func() bool) {
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}
