package consensus

import (
	"bytes"
	"context"
	"testing"
	"time"

	cfg "chainbft_node/config"
	"chainbft_node/consensus/synchronizer"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

// makeAndConnectReactors 每个节点启动共识后通过switch两两连接，prepare在连接之前调用
func makeAndConnectReactors(t *testing.T, nodes []*testNode, prepare func()) []*Reactor {
	return makeAndConnectReactorsWithConfig(t, cfg.TestConfig(), nodes, prepare)
}

func makeAndConnectReactorsWithConfig(t *testing.T, config *cfg.Config, nodes []*testNode, prepare func()) []*Reactor {
	logger := log.TestingLogger()
	reactors := make([]*Reactor, len(nodes))
	for i, n := range nodes {
		reactors[i] = NewReactor(n.cs, config.Consensus)
		reactors[i].SetLogger(logger.With("validator", i))
		s := synchronizer.NewSynchronizer(n.cs.SyncChain(), reactors[i], config.Consensus, logger.With("module", "sync", "validator", i))
		n.cs.SetSynchronizer(s)
		startTestNode(t, n)
	}
	if prepare != nil {
		prepare()
	}

	switches := p2p.MakeConnectedSwitches(config.P2P, len(nodes), func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, p2p.Connect2Switches)
	t.Cleanup(func() {
		for _, s := range switches {
			if err := s.Stop(); err != nil {
				t.Error(err)
			}
		}
	})
	return reactors
}

func peerOf(t *testing.T, r *Reactor) p2p.ID {
	peers := r.Switch.Peers().List()
	require.NotEmpty(t, peers)
	return peers[0].ID()
}

func statusOf(r *Reactor, peerID p2p.ID) (cstypes.PeerStatus, bool) {
	for _, ps := range r.PeerStatuses() {
		if ps.PeerID == peerID {
			return ps, true
		}
	}
	return cstypes.PeerStatus{}, false
}

// 两个节点共享一个验证者，节点0出块，节点1通过gossip执行
func TestReactorBlockGossip(t *testing.T) {
	pvs := makeTestPVs(1)
	genDoc := makeGenesisDoc(t, pvs, time.Now().Unix()-1000)
	nodes := []*testNode{
		newTestNode(t, genDoc, pvs, WithPrivValidator(pvs[0])),
		newTestNode(t, genDoc, pvs),
	}
	rec := recordEvents(t, nodes[1].cs.EventSwitch())
	reactors := makeAndConnectReactors(t, nodes, nil)

	for i := 0; i < 3; i++ {
		slot := nodes[0].cs.slots.SlotNumber(nodes[0].cs.LastHeader().Timestamp) + 1
		block, err := nodes[0].cs.GenerateBlock(nodes[0].cs.slots.SlotTime(slot))
		require.NoError(t, err)
		waitFor(t, func() bool {
			return bytes.Equal(nodes[1].cs.LastBlock().ID(), block.ID())
		})
	}
	assert.Equal(t, 3, rec.count(EventBlockNew))
	assert.Equal(t, nodes[0].cs.FinalizedHeight(), nodes[1].cs.FinalizedHeight())

	// 链头变化后双方的状态都会更新
	peer0 := peerOf(t, reactors[1])
	waitFor(t, func() bool {
		ps, ok := statusOf(reactors[1], peer0)
		return ok && ps.Height == 3
	})
	ps, _ := statusOf(reactors[1], peer0)
	assert.Equal(t, int64(2), ps.MaxHeightPrevoted)
	assert.Equal(t, int64(2), ps.MaxHeightFinalized)
	assert.Equal(t, []byte(nodes[0].cs.LastBlock().ID()), ps.LastBlockID)
}

func TestReactorRPC(t *testing.T) {
	pvs := makeTestPVs(1)
	genDoc := makeGenesisDoc(t, pvs, time.Now().Unix()-1000)
	nodes := []*testNode{newTestNode(t, genDoc, pvs), newTestNode(t, genDoc, pvs)}
	reactors := makeAndConnectReactors(t, nodes, func() { nodes[0].extend(t, 5) })

	peer0 := peerOf(t, reactors[1])
	bz, err := reactors[1].RequestFromPeer(context.Background(), peer0, cstypes.ProcedureGetLastBlock, nil)
	require.NoError(t, err)
	last, err := types.DecodeBlock(bz)
	require.NoError(t, err)
	assert.Equal(t, nodes[0].cs.LastBlock().ID(), last.ID())

	genesis, err := nodes[0].blockStore.BlockByHeight(0)
	require.NoError(t, err)
	bz, err = reactors[1].RequestFromPeer(context.Background(), peer0, cstypes.ProcedureGetBlocksFromID,
		genesis.ID())
	require.NoError(t, err)
	list, err := types.DecodeBytesList(bz)
	require.NoError(t, err)
	require.Len(t, list.Items, 5)
	for i, item := range list.Items {
		b, err := types.DecodeBlock(item)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), b.Height())
	}

	_, err = reactors[1].RequestFromPeer(context.Background(), peer0, "getTransactions", nil)
	assert.Error(t, err)

	_, err = reactors[1].RequestFromPeer(context.Background(), p2p.ID("unknown"), cstypes.ProcedureGetLastBlock, nil)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

// 节点1落后五个区块，收到无法连接的区块后通过block sync追上
func TestReactorBlockSync(t *testing.T) {
	pvs := makeTestPVs(1)
	genDoc := makeGenesisDoc(t, pvs, time.Now().Unix()-1000)
	nodes := []*testNode{
		newTestNode(t, genDoc, pvs, WithPrivValidator(pvs[0])),
		newTestNode(t, genDoc, pvs),
	}
	reactors := makeAndConnectReactors(t, nodes, func() { nodes[0].extend(t, 5) })
	require.Equal(t, int64(0), nodes[1].cs.LastBlock().Height())

	peer0 := peerOf(t, reactors[1])
	waitFor(t, func() bool {
		ps, ok := statusOf(reactors[1], peer0)
		return ok && ps.Height == 5
	})

	generate := func() *types.Block {
		slot := nodes[0].cs.slots.SlotNumber(nodes[0].cs.LastHeader().Timestamp) + 1
		block, err := nodes[0].cs.GenerateBlock(nodes[0].cs.slots.SlotTime(slot))
		require.NoError(t, err)
		return block
	}
	generate()
	waitFor(t, func() bool { return nodes[1].cs.LastBlock().Height() >= 5 })

	tip := generate()
	waitFor(t, func() bool {
		return bytes.Equal(nodes[1].cs.LastBlock().ID(), tip.ID())
	})
	assert.Equal(t, nodes[0].cs.FinalizedHeight(), nodes[1].cs.FinalizedHeight())
	assert.Equal(t, int64(0), counterValue(nodes[1].cs.Metrics(), "sync_failures"))
	assert.Equal(t, int64(0), counterValue(nodes[0].cs.Metrics(), "peer_penalties"))
}

func penaltyScore(r *Reactor, peerID p2p.ID) int {
	ps := r.getPeerState(peerID)
	if ps == nil {
		return -1
	}
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	return ps.score
}

// 加入switch之前执行区块不会广播
func TestBroadcastWithoutSwitch(t *testing.T) {
	pvs := makeTestPVs(1)
	n := newTestNode(t, makeGenesisDoc(t, pvs, time.Now().Unix()-1000), pvs)
	r := NewReactor(n.cs, cfg.TestConfig().Consensus)
	r.SetLogger(log.TestingLogger())
	startTestNode(t, n)

	assert.NotPanics(t, func() { n.extend(t, 2) })
	assert.Equal(t, int64(2), n.cs.LastHeader().Height)
}

func TestReactorRateLimits(t *testing.T) {
	config := cfg.TestConfig()
	config.Consensus.RateLimitWindow = time.Hour
	config.Consensus.GetLastBlockLimit = 3
	config.Consensus.PostSingleCommitsLimit = 2

	pvs := makeTestPVs(1)
	genDoc := makeGenesisDoc(t, pvs, time.Now().Unix()-1000)
	nodes := []*testNode{newTestNode(t, genDoc, pvs), newTestNode(t, genDoc, pvs)}
	reactors := makeAndConnectReactorsWithConfig(t, config, nodes, nil)
	peer0 := peerOf(t, reactors[1])
	peer1 := peerOf(t, reactors[0])
	weight := config.Consensus.PenaltyWeight

	for i := 0; i < 3; i++ {
		_, err := reactors[1].RequestFromPeer(context.Background(), peer0, cstypes.ProcedureGetLastBlock, nil)
		require.NoError(t, err, "request #%d", i)
	}
	assert.Equal(t, 0, penaltyScore(reactors[0], peer1))

	// 超出限制的请求返回错误，每个请求惩罚一次
	for i := 1; i <= 2; i++ {
		_, err := reactors[1].RequestFromPeer(context.Background(), peer0, cstypes.ProcedureGetLastBlock, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrRateLimited.Error())
		assert.Equal(t, i*weight, penaltyScore(reactors[0], peer1))
	}

	// 低于可移除高度的commit被忽略但不惩罚
	genesis, err := nodes[0].blockStore.HeaderByHeight(0)
	require.NoError(t, err)
	c, err := CreateSingleCommit(genesis, pvs[0], testChainID)
	require.NoError(t, err)
	msg := (&types.PostSingleCommits{Commits: []*types.SingleCommit{c}}).Bytes()
	src := reactors[0].Switch.Peers().Get(peer1)
	require.NotNil(t, src)
	for i := 0; i < 2; i++ {
		reactors[0].Receive(cstypes.CommitChannel, src, msg)
	}
	assert.Equal(t, 2*weight, penaltyScore(reactors[0], peer1))
	for i := 1; i <= 2; i++ {
		reactors[0].Receive(cstypes.CommitChannel, src, msg)
		assert.Equal(t, (2+i)*weight, penaltyScore(reactors[0], peer1))
	}
	assert.Zero(t, nodes[0].cs.CommitPool().Size())
}

// 同一个peer正在处理的区块达到上限后，新的区块被丢弃
func TestReactorDropsBlocksOverPendingLimit(t *testing.T) {
	pvs := makeTestPVs(1)
	genDoc := makeGenesisDoc(t, pvs, time.Now().Unix()-1000)
	nodes := []*testNode{newTestNode(t, genDoc, pvs), newTestNode(t, genDoc, pvs)}
	reactors := makeAndConnectReactors(t, nodes, nil)
	peer1 := peerOf(t, reactors[0])
	src := reactors[0].Switch.Peers().Get(peer1)
	require.NotNil(t, src)
	ps := reactors[0].getPeerState(peer1)
	require.NotNil(t, ps)

	block := nodes[1].makeBlock(t, nodes[1].cs.slots.SlotNumber(nodes[1].cs.LastHeader().Timestamp)+1)

	for i := 0; i < maxPendingBlocksPerPeer; i++ {
		ps.blockSlots <- struct{}{}
	}
	reactors[0].Receive(cstypes.BlockChannel, src, block.Bytes())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), nodes[0].cs.LastHeader().Height)

	for i := 0; i < maxPendingBlocksPerPeer; i++ {
		<-ps.blockSlots
	}
	reactors[0].Receive(cstypes.BlockChannel, src, block.Bytes())
	waitFor(t, func() bool { return bytes.Equal(nodes[0].cs.LastBlock().ID(), block.ID()) })
	waitFor(t, func() bool { return len(ps.blockSlots) == 0 })
}
