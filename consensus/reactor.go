package consensus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	cfg "chainbft_node/config"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"
	"golang.org/x/time/rate"
)

const (
	maxMsgSize = 4 * 1024 * 1024 // getBlocksFromId的响应最大

	maxPendingBlocksPerPeer = 4

	subscriber = "consensus-reactor"
)

// peerState 记录peer的链头、惩罚分数和每个procedure的限流器
type peerState struct {
	peer p2p.Peer

	mtx      sync.Mutex
	status   *types.NodeStatus
	score    int
	limiters map[string]*rate.Limiter

	// 正在处理的区块数不超过maxPendingBlocksPerPeer，多出的区块直接丢弃
	blockSlots chan struct{}
}

func newPeerState(peer p2p.Peer, config *cfg.ConsensusConfig) *peerState {
	limits := map[string]int{
		cstypes.ProcedureGetLastBlock:          config.GetLastBlockLimit,
		cstypes.ProcedureGetBlocksFromID:       config.GetBlocksFromIDLimit,
		cstypes.ProcedureGetHighestCommonBlock: config.GetHighestCommonBlockLimit,
		cstypes.ProcedurePostSingleCommits:     config.PostSingleCommitsLimit,
	}
	ps := &peerState{
		peer:       peer,
		limiters:   make(map[string]*rate.Limiter, len(limits)),
		blockSlots: make(chan struct{}, maxPendingBlocksPerPeer),
	}
	for procedure, limit := range limits {
		every := config.RateLimitWindow / time.Duration(limit)
		ps.limiters[procedure] = rate.NewLimiter(rate.Every(every), limit)
	}
	return ps
}

// allow 未知的procedure不限流，由调用者处理
func (ps *peerState) allow(procedure string) bool {
	l, ok := ps.limiters[procedure]
	if !ok {
		return true
	}
	return l.Allow()
}

func (ps *peerState) addPenalty(weight int) int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ps.score += weight
	return ps.score
}

func (ps *peerState) setStatus(status *types.NodeStatus) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ps.status = status
}

func (ps *peerState) getStatus() *types.NodeStatus {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	return ps.status
}

type pendingRequest struct {
	peerID p2p.ID
	respCh chan *types.RPCResponse
}

// Reactor 共识的网络层，实现cstypes.Network
type Reactor struct {
	p2p.BaseReactor

	config    *cfg.ConsensusConfig
	consensus *ConsensusState
	handlers  map[string]cstypes.Handler

	peers *cmap.CMap

	reqID      uint64
	pendingMtx sync.Mutex
	pending    map[uint64]*pendingRequest

	quit chan struct{}
}

var _ cstypes.Network = (*Reactor)(nil)

type ReactorOption func(*Reactor)

func NewReactor(cs *ConsensusState, config *cfg.ConsensusConfig, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		config:    config,
		consensus: cs,
		handlers:  cs.Handlers(),
		peers:     cmap.NewCMap(),
		pending:   make(map[uint64]*pendingRequest),
		quit:      make(chan struct{}),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	cs.SetNetwork(conR)

	for _, option := range options {
		option(conR)
	}
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	go conR.statusRoutine()
	conR.Logger.Info("Consensus Reactor started")
	return nil
}

func (conR *Reactor) OnStop() {
	close(conR.quit)
	conR.consensus.EventSwitch().RemoveListener(subscriber)
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  cstypes.BlockChannel,
			Priority:            10,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  cstypes.CommitChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  cstypes.RPCRequestChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  cstypes.RPCResponseChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  cstypes.StatusChannel,
			Priority:            1,
			SendQueueCapacity:   10,
			RecvMessageCapacity: 1024,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(string(peer.ID()), newPeerState(peer, conR.config))
	peer.TrySend(cstypes.StatusChannel, conR.nodeStatus().Bytes())
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))
	conR.Logger.Debug("Removed peer", "peer", peer.ID(), "reason", reason)
}

func (conR *Reactor) getPeerState(peerID p2p.ID) *peerState {
	ps, ok := conR.peers.Get(string(peerID)).(*peerState)
	if !ok {
		return nil
	}
	return ps
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", len(msgBytes))
		return
	}
	ps := conR.getPeerState(src.ID())
	if ps == nil {
		conR.Logger.Debug("Message from unknown peer", "peer", src.ID())
		return
	}

	switch chID {
	case cstypes.BlockChannel:
		// 执行可能触发同步，同步需要等待本peer的RPC响应，不能阻塞接收
		select {
		case ps.blockSlots <- struct{}{}:
		default:
			conR.Logger.Debug("Dropping block, too many pending blocks from peer", "peer", src.ID())
			return
		}
		go func() {
			defer func() { <-ps.blockSlots }()
			if err := conR.consensus.OnBlockReceive(msgBytes, src.ID()); err != nil {
				conR.Logger.Debug("Failed to process block", "peer", src.ID(), "err", err)
			}
		}()

	case cstypes.CommitChannel:
		if !ps.allow(cstypes.ProcedurePostSingleCommits) {
			conR.Logger.Info("Single commits rate limited", "peer", src.ID())
			conR.ApplyPenalty(src.ID(), conR.config.PenaltyWeight)
			return
		}
		if err := conR.consensus.OnCommitsReceive(msgBytes, src.ID()); err != nil {
			conR.Logger.Debug("Failed to process single commits", "peer", src.ID(), "err", err)
		}

	case cstypes.StatusChannel:
		status, err := types.DecodeNodeStatus(msgBytes)
		if err != nil {
			conR.Logger.Error("Invalid status", "peer", src.ID(), "err", err)
			conR.ApplyPenalty(src.ID(), conR.config.PenaltyWeight)
			return
		}
		ps.setStatus(status)

	case cstypes.RPCRequestChannel:
		req, err := types.DecodeRPCRequest(msgBytes)
		if err != nil {
			conR.Logger.Error("Invalid rpc request", "peer", src.ID(), "err", err)
			conR.ApplyPenalty(src.ID(), conR.config.PenaltyWeight)
			return
		}
		go conR.handleRequest(ps, req)

	case cstypes.RPCResponseChannel:
		resp, err := types.DecodeRPCResponse(msgBytes)
		if err != nil {
			conR.Logger.Error("Invalid rpc response", "peer", src.ID(), "err", err)
			conR.ApplyPenalty(src.ID(), conR.config.PenaltyWeight)
			return
		}
		conR.deliverResponse(src.ID(), resp)

	default:
		conR.Logger.Error("Unknown chID", "chID", chID)
	}
}

// handleRequest 限流，调用handler并回复，限流和格式错误的请求会惩罚peer
func (conR *Reactor) handleRequest(ps *peerState, req *types.RPCRequest) {
	peerID := ps.peer.ID()
	resp := &types.RPCResponse{ID: req.ID}
	handler, ok := conR.handlers[req.Procedure]
	switch {
	case !ok:
		resp.Error = ErrUnknownProcedure.Error()
		conR.ApplyPenalty(peerID, conR.config.PenaltyWeight)
	case !ps.allow(req.Procedure):
		resp.Error = ErrRateLimited.Error()
		conR.ApplyPenalty(peerID, conR.config.PenaltyWeight)
	default:
		data, err := handler(req.Data, peerID)
		if err != nil {
			conR.Logger.Debug("RPC handler failed", "procedure", req.Procedure, "peer", peerID, "err", err)
			resp.Error = err.Error()
			if errors.Is(err, ErrInvalidRequest) {
				conR.ApplyPenalty(peerID, conR.config.PenaltyWeight)
			}
		} else {
			resp.Data = data
		}
	}
	if !ps.peer.Send(cstypes.RPCResponseChannel, resp.Bytes()) {
		conR.Logger.Debug("Failed to send rpc response", "peer", peerID, "procedure", req.Procedure)
	}
}

func (conR *Reactor) deliverResponse(peerID p2p.ID, resp *types.RPCResponse) {
	conR.pendingMtx.Lock()
	req, ok := conR.pending[resp.ID]
	if ok && req.peerID == peerID {
		delete(conR.pending, resp.ID)
	}
	conR.pendingMtx.Unlock()
	if !ok || req.peerID != peerID {
		conR.Logger.Debug("Unexpected rpc response", "peer", peerID, "id", resp.ID)
		return
	}
	req.respCh <- resp
}

//-----------------------------------------------------------------------------
// cstypes.Network

// Broadcast 还没有加入switch时不发送
func (conR *Reactor) Broadcast(chID byte, msg []byte) {
	if conR.Switch == nil {
		return
	}
	conR.Switch.Broadcast(chID, msg)
}

func (conR *Reactor) Send(peerID p2p.ID, chID byte, msg []byte) bool {
	ps := conR.getPeerState(peerID)
	if ps == nil {
		return false
	}
	return ps.peer.Send(chID, msg)
}

// ApplyPenalty 累计分数达到PenaltyBanThreshold时断开peer
func (conR *Reactor) ApplyPenalty(peerID p2p.ID, weight int) {
	ps := conR.getPeerState(peerID)
	if ps == nil {
		return
	}
	score := ps.addPenalty(weight)
	conR.Logger.Info("Applied penalty", "peer", peerID, "weight", weight, "score", score)
	if score >= cstypes.PenaltyBanThreshold {
		conR.Switch.StopPeerForError(ps.peer, errors.Errorf("penalty score %d", score))
	}
}

// RequestFromPeer 发送请求并等待响应，超时时间不超过RequestTimeout
func (conR *Reactor) RequestFromPeer(ctx context.Context, peerID p2p.ID, procedure string, data []byte) ([]byte, error) {
	ps := conR.getPeerState(peerID)
	if ps == nil {
		return nil, errors.Wrapf(ErrPeerNotFound, "peer %v", peerID)
	}
	id := atomic.AddUint64(&conR.reqID, 1)
	pr := &pendingRequest{peerID: peerID, respCh: make(chan *types.RPCResponse, 1)}
	conR.pendingMtx.Lock()
	conR.pending[id] = pr
	conR.pendingMtx.Unlock()
	defer func() {
		conR.pendingMtx.Lock()
		delete(conR.pending, id)
		conR.pendingMtx.Unlock()
	}()

	req := &types.RPCRequest{ID: id, Procedure: procedure, Data: data}
	if !ps.peer.Send(cstypes.RPCRequestChannel, req.Bytes()) {
		return nil, errors.Errorf("failed to send %s to peer %v", procedure, peerID)
	}

	ctx, cancel := context.WithTimeout(ctx, conR.config.RequestTimeout)
	defer cancel()
	select {
	case resp := <-pr.respCh:
		if resp.Error != "" {
			return nil, errors.Errorf("peer %v %s: %s", peerID, procedure, resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrRequestTimeout, "peer %v %s", peerID, procedure)
	case <-conR.quit:
		return nil, ErrNotRunning
	}
}

func (conR *Reactor) PeerStatuses() []cstypes.PeerStatus {
	var statuses []cstypes.PeerStatus
	for _, v := range conR.peers.Values() {
		ps := v.(*peerState)
		status := ps.getStatus()
		if status == nil {
			continue
		}
		statuses = append(statuses, cstypes.PeerStatus{
			PeerID:             ps.peer.ID(),
			Height:             status.Height,
			MaxHeightPrevoted:  status.MaxHeightPrevoted,
			MaxHeightFinalized: status.MaxHeightFinalized,
			LastBlockID:        status.LastBlockID,
		})
	}
	return statuses
}

//-----------------------------------------------------------------------------
// 状态广播

func (conR *Reactor) nodeStatus() *types.NodeStatus {
	tip := conR.consensus.LastHeader()
	status := &types.NodeStatus{MaxHeightFinalized: conR.consensus.FinalizedHeight()}
	if tip != nil {
		status.Height = tip.Height
		status.MaxHeightPrevoted = tip.MaxHeightPrevoted
		status.LastBlockID = tip.ID()
	}
	return status
}

func (conR *Reactor) broadcastStatus() {
	conR.Switch.Broadcast(cstypes.StatusChannel, conR.nodeStatus().Bytes())
}

// subscribeToBroadcastEvents 链头变化后广播新的状态
func (conR *Reactor) subscribeToBroadcastEvents() {
	onTipChanged := func(data events.EventData) {
		conR.broadcastStatus()
	}
	if err := conR.consensus.EventSwitch().AddListenerForEvent(subscriber, EventBlockNew, onTipChanged); err != nil {
		conR.Logger.Error("Failed to subscribe", "event", EventBlockNew, "err", err)
	}
	if err := conR.consensus.EventSwitch().AddListenerForEvent(subscriber, EventBlockDelete, onTipChanged); err != nil {
		conR.Logger.Error("Failed to subscribe", "event", EventBlockDelete, "err", err)
	}
}

func (conR *Reactor) statusRoutine() {
	ticker := time.NewTicker(conR.config.StatusBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if conR.consensus.IsRunning() {
				conR.broadcastStatus()
			}
		case <-conR.quit:
			return
		}
	}
}
