package consensus

import (
	"fmt"
	"sync"
	"time"

	"chainbft_node/bft"
	cfg "chainbft_node/config"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/state"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
)

// Synchronizer 处理DIFFERENT_CHAIN区块，在执行通道内同步调用
type Synchronizer interface {
	// Init 启动时恢复临时表中的区块
	Init() error
	Run(block *types.Block, peerID p2p.ID) error
}

// TxSource 出块时提供交易
type TxSource interface {
	ReapMaxBytes(maxBytes int64) types.Txs
}

// 共识状态机实现
//
// 所有改变链头的操作（执行、删除、tie break、同步、出块）都作为消息进入msgQueue，
// 由receiveRoutine逐个处理，同一时刻只有一个操作在进行
type ConsensusState struct {
	service.BaseService

	config  *cfg.ConsensusConfig
	genDoc  *types.GenesisDoc
	chainID string
	slots   types.Slots

	blockExec    state.BlockExecutor
	blockStore   *store.BlockStore
	bft          bft.Method
	verifier     *blockVerifier
	commitPool   *CommitPool
	privVal      types.PrivValidator
	txSource     TxSource
	network      cstypes.Network
	synchronizer Synchronizer
	slotClock    *SlotClock
	metrics      *Metrics

	// 链头，只在receiveRoutine中修改
	tipMtx sync.RWMutex
	state  state.State

	msgQueue    chan msgInfo
	eventSwitch events.EventSwitch
	// stopping在OnStop开始时关闭，done在receiveRoutine退出后关闭
	stopping chan struct{}
	done     chan struct{}

	now func() time.Time
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	config *cfg.ConsensusConfig,
	genDoc *types.GenesisDoc,
	blockExec state.BlockExecutor,
	blockStore *store.BlockStore,
	bftMethod bft.Method,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:      config,
		genDoc:      genDoc,
		chainID:     genDoc.ChainID,
		slots:       genDoc.Slots(),
		blockExec:   blockExec,
		blockStore:  blockStore,
		bft:         bftMethod,
		metrics:     NewMetrics(),
		state:       state.State{ChainID: genDoc.ChainID},
		msgQueue:    make(chan msgInfo),
		eventSwitch: events.NewEventSwitch(),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	blockTime := time.Duration(genDoc.BlockTime) * time.Second
	cs.commitPool = NewCommitPool(config, cs.chainID, blockTime, bftMethod, blockStore, cs)
	cs.verifier = &blockVerifier{
		chainID:    cs.chainID,
		slots:      cs.slots,
		bft:        bftMethod,
		blockStore: blockStore,
		commitPool: cs.commitPool,
		now:        func() time.Time { return cs.now() },
	}
	cs.slotClock = NewSlotClock(cs.slots)
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

func WithPrivValidator(pv types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.privVal = pv
	}
}

func WithTxSource(src TxSource) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.txSource = src
	}
}

func WithMetrics(m *Metrics) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.metrics = m
	}
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.blockExec.SetLogger(logger.With("module", "executor"))
	cs.commitPool.SetLogger(logger.With("module", "commitpool"))
	cs.slotClock.SetLogger(logger.With("module", "slot"))
}

// SetNetwork 在reactor创建之后设置
func (cs *ConsensusState) SetNetwork(network cstypes.Network) {
	cs.network = network
	cs.commitPool.SetNetwork(network)
}

func (cs *ConsensusState) SetSynchronizer(s Synchronizer) {
	cs.synchronizer = s
}

func (cs *ConsensusState) EventSwitch() events.EventSwitch {
	return cs.eventSwitch
}

func (cs *ConsensusState) CommitPool() *CommitPool {
	return cs.commitPool
}

func (cs *ConsensusState) Metrics() *Metrics {
	return cs.metrics
}

func (cs *ConsensusState) ChainID() string {
	return cs.chainID
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.loadChain(); err != nil {
		return err
	}
	if cs.synchronizer != nil {
		if err := cs.synchronizer.Init(); err != nil {
			cs.Logger.Error("Failed to restore temp blocks", "err", err)
		}
	}
	if err := cs.commitPool.Start(); err != nil {
		return err
	}
	go cs.receiveRoutine()
	if cs.config.GenerateBlocks && cs.privVal != nil {
		if err := cs.slotClock.Start(); err != nil {
			return err
		}
		go cs.generateRoutine()
	}
	tip := cs.LastHeader()
	cs.Logger.Info("Consensus started", "height", tip.Height, "id", tip.ID(), "finalized", cs.FinalizedHeight())
	return nil
}

// OnStop 等待正在执行的操作结束
func (cs *ConsensusState) OnStop() {
	close(cs.stopping)
	<-cs.done
	var result error
	if cs.slotClock.IsRunning() {
		if err := cs.slotClock.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := cs.commitPool.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := cs.eventSwitch.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		cs.Logger.Error("Failed to stop consensus subservices", "err", result)
	}
	cs.Logger.Info("Consensus stopped")
}

// loadChain 首次启动时执行创世区块，然后从数据库读取链头
func (cs *ConsensusState) loadChain() error {
	genesis := cs.genDoc.GenesisBlock()
	exist, err := cs.blockStore.GenesisBlockExist(genesis)
	if err != nil {
		return err
	}
	if !exist {
		if _, err := cs.blockExec.ExecuteGenesis(genesis); err != nil {
			return errors.Wrap(err, "execute genesis block")
		}
		cs.Logger.Info("Executed genesis block", "height", genesis.Height(), "id", genesis.ID())
	}
	last, err := cs.blockStore.LastBlock()
	if err != nil {
		return err
	}
	finalized, err := cs.blockStore.FinalizedHeight()
	if err != nil {
		return err
	}
	cs.setTip(last, finalized)
	return nil
}

//-----------------------------------------------------------------------------
// 链头读取

func (cs *ConsensusState) setTip(block *types.Block, finalized int64) {
	cs.tipMtx.Lock()
	defer cs.tipMtx.Unlock()
	cs.state.LastBlock = block
	cs.state.FinalizedHeight = finalized
}

func (cs *ConsensusState) GetState() state.State {
	cs.tipMtx.RLock()
	defer cs.tipMtx.RUnlock()
	return cs.state.Copy()
}

func (cs *ConsensusState) LastBlock() *types.Block {
	cs.tipMtx.RLock()
	defer cs.tipMtx.RUnlock()
	return cs.state.LastBlock
}

// LastHeader 实现chainReader
func (cs *ConsensusState) LastHeader() *types.BlockHeader {
	cs.tipMtx.RLock()
	defer cs.tipMtx.RUnlock()
	return cs.state.LastHeader()
}

func (cs *ConsensusState) FinalizedHeight() int64 {
	cs.tipMtx.RLock()
	defer cs.tipMtx.RUnlock()
	return cs.state.FinalizedHeight
}

func (cs *ConsensusState) Slots() types.Slots {
	return cs.slots
}

// GetMaxRemovalHeight 最终区块的aggregateCommit高度，更低的commit不再需要
func (cs *ConsensusState) GetMaxRemovalHeight() (int64, error) {
	header, err := cs.blockStore.HeaderByHeight(cs.FinalizedHeight())
	if err != nil {
		return 0, err
	}
	return header.AggregateCommit.Height, nil
}

// IsSynced 本地链头不落后于(height, maxHeightPrevoted)时返回true
func (cs *ConsensusState) IsSynced(height, maxHeightPrevoted int64) bool {
	tip := cs.LastHeader()
	if tip.Version == types.GenesisVersion {
		return height <= tip.Height && maxHeightPrevoted <= tip.Height
	}
	if tip.MaxHeightPrevoted != maxHeightPrevoted {
		return tip.MaxHeightPrevoted > maxHeightPrevoted
	}
	return tip.Height >= height
}

// GetGeneratorAtTimestamp 下一个区块在timestamp所在slot的出块者
func (cs *ConsensusState) GetGeneratorAtTimestamp(timestamp int64) (types.Address, error) {
	tip := cs.LastHeader()
	gen, err := generatorAt(cs.bft, cs.blockStore.NewStateStore(), cs.slots, tip.Height+1, timestamp)
	if err != nil {
		return nil, err
	}
	return gen.Address, nil
}

// GetConsensusParams 执行header时传给状态机的共识参数，必须在header执行之前调用
func (cs *ConsensusState) GetConsensusParams(header *types.BlockHeader) (*state.ConsensusParams, error) {
	s := cs.blockStore.NewStateStore()
	params, err := cs.bft.GetBFTParameters(s, header.Height)
	if err != nil {
		return nil, err
	}
	heights, err := cs.bft.GetBFTHeights(s)
	if err != nil {
		return nil, err
	}
	implies, err := cs.bft.HeaderImpliesMaximalPrevotes(s, header)
	if err != nil {
		return nil, err
	}
	return &state.ConsensusParams{
		CurrentValidators:    params.Validators.Validators,
		ImplyMaxPrevote:      implies,
		MaxHeightCertified:   heights.MaxHeightCertified,
		CertificateThreshold: params.CertificateThreshold,
	}, nil
}

func (cs *ConsensusState) GetAggregateCommit() (types.AggregateCommit, error) {
	return cs.commitPool.GetAggregateCommit(cs.blockStore.NewStateStore())
}

// CertifySingleCommit 对header签名并放入commit pool
func (cs *ConsensusState) CertifySingleCommit(header *types.BlockHeader, pv types.PrivValidator) error {
	commit, err := CreateSingleCommit(header, pv, cs.chainID)
	if err != nil {
		return err
	}
	cs.commitPool.AddCommit(commit, true)
	return nil
}

//-----------------------------------------------------------------------------
// 外部入口

// OnBlockReceive 处理peer发来的区块，无法解码或结构错误的区块会惩罚peer
func (cs *ConsensusState) OnBlockReceive(bz []byte, peerID p2p.ID) error {
	block, err := types.DecodeBlock(bz)
	if err == nil {
		err = block.ValidateBasic()
	}
	if err != nil {
		cs.Logger.Error("Received invalid block", "peer", peerID, "err", err)
		cs.applyPenalty(peerID)
		return err
	}
	return cs.send(&BlockMessage{Block: block}, peerID)
}

// Execute 执行本地产生的区块
func (cs *ConsensusState) Execute(block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return err
	}
	return cs.send(&BlockMessage{Block: block}, "")
}

// OnCommitsReceive 处理gossip的single commit，结构错误的commit会惩罚peer
func (cs *ConsensusState) OnCommitsReceive(bz []byte, peerID p2p.ID) error {
	msg, err := types.DecodePostSingleCommits(bz)
	if err != nil {
		cs.Logger.Error("Received invalid single commits", "peer", peerID, "err", err)
		cs.applyPenalty(peerID)
		return err
	}
	s := cs.blockStore.NewStateStore()
	for _, c := range msg.Commits {
		valid, err := cs.commitPool.ValidateCommit(s, c)
		if errors.Is(err, types.ErrInvalidCommit) {
			cs.Logger.Error("Received malformed single commit", "peer", peerID, "err", err)
			cs.applyPenalty(peerID)
			return err
		} else if err != nil {
			cs.Logger.Error("Failed to validate single commit", "commit", c, "err", err)
			continue
		}
		if valid {
			cs.commitPool.AddCommit(c, false)
		}
	}
	cs.metrics.MarkCommitPoolSize(cs.commitPool.Size())
	return nil
}

func (cs *ConsensusState) applyPenalty(peerID p2p.ID) {
	if peerID == "" || cs.network == nil {
		return
	}
	cs.metrics.MarkPenalty()
	cs.network.ApplyPenalty(peerID, cs.config.PenaltyWeight)
}

// DeleteLastBlock 删除链头，不能删除最终区块
func (cs *ConsensusState) DeleteLastBlock(saveTemp bool) error {
	return cs.send(&DeleteMessage{SaveTemp: saveTemp}, "")
}

//-----------------------------------------------------------------------------
// 执行通道

// send 把消息放入执行通道并等待处理结果
func (cs *ConsensusState) send(msg Message, peerID p2p.ID) error {
	if !cs.IsRunning() {
		return ErrNotRunning
	}
	mi := msgInfo{Msg: msg, PeerID: peerID, done: make(chan error, 1)}
	select {
	case cs.msgQueue <- mi:
	case <-cs.stopping:
		return ErrNotRunning
	}
	select {
	case err := <-mi.done:
		return err
	case <-cs.done:
		select {
		case err := <-mi.done:
			return err
		default:
			return ErrNotRunning
		}
	}
}

func (cs *ConsensusState) receiveRoutine() {
	defer close(cs.done)
	for {
		select {
		case <-cs.stopping:
			cs.Logger.Debug("receiveRoutine quit")
			return
		case mi := <-cs.msgQueue:
			mi.done <- cs.handleMsg(mi)
		}
	}
}

func (cs *ConsensusState) handleMsg(mi msgInfo) error {
	switch msg := mi.Msg.(type) {
	case *BlockMessage:
		return cs.handleBlock(msg.Block, mi.PeerID)
	case *GenerateMessage:
		block, err := cs.generateBlock(msg.Timestamp)
		msg.Block = block
		return err
	case *DeleteMessage:
		return cs.deleteLastBlock(msg.SaveTemp)
	default:
		return errors.Errorf("unknown message %T", msg)
	}
}

func (cs *ConsensusState) handleBlock(block *types.Block, peerID p2p.ID) error {
	tip := cs.LastBlock()
	status := cstypes.ForkChoice(block.Header, tip.Header, cs.slots)
	cs.metrics.MarkForkStatus(status)
	logger := cs.Logger.With("height", block.Height(), "id", block.ID(), "peer", peerID, "status", status)

	switch status {
	case cstypes.ForkStatusIdenticalBlock:
		logger.Debug("Block already processed")
		return nil

	case cstypes.ForkStatusDoubleForging:
		logger.Info("Discarding block due to double forging", "generator", block.Header.GeneratorAddress)
		cs.fireForkDetected(block.Header, tip.Header, status, peerID)
		return nil

	case cstypes.ForkStatusDiscard:
		logger.Debug("Discarding block")
		cs.fireForkDetected(block.Header, tip.Header, status, peerID)
		return nil

	case cstypes.ForkStatusValidBlock:
		logger.Debug("Processing valid block")
		return cs.executeValidated(block, executeOptions{})

	case cstypes.ForkStatusTieBreak:
		logger.Info("Received tie breaking block")
		return cs.handleTieBreak(block, tip)

	case cstypes.ForkStatusDifferentChain:
		if peerID == "" || cs.synchronizer == nil {
			logger.Info("Ignoring block on a different chain")
			return nil
		}
		logger.Info("Detected different chain, starting synchronization")
		err := cs.synchronizer.Run(block, peerID)
		cs.metrics.MarkSync(err)
		return err

	default:
		panic(fmt.Sprintf("unknown fork status %v", status))
	}
}

// handleTieBreak 删除当前链头后执行新区块，失败时恢复原来的链头
func (cs *ConsensusState) handleTieBreak(block, tip *types.Block) error {
	if err := cs.deleteLastBlock(false); err != nil {
		return errors.Wrap(err, "delete tip for tie break")
	}
	err := cs.executeValidated(block, executeOptions{})
	if err == nil {
		return nil
	}
	cs.Logger.Error("Failed to execute tie breaking block, restoring previous tip",
		"height", block.Height(), "id", block.ID(), "err", err)
	if rerr := cs.executeValidated(tip, executeOptions{skipBroadcast: true}); rerr != nil {
		return multierror.Append(err, errors.Wrap(rerr, "restore previous tip"))
	}
	return err
}

type executeOptions struct {
	skipBroadcast  bool
	removeFromTemp bool
}

// executeValidated 校验并执行直接连接链头的区块
func (cs *ConsensusState) executeValidated(block *types.Block, opts executeOptions) error {
	tip := cs.LastBlock()
	if err := cs.verifier.Verify(block, tip.Header); err != nil {
		return err
	}
	if !opts.skipBroadcast && cs.network != nil {
		cs.network.Broadcast(cstypes.BlockChannel, block.Bytes())
	}
	start := time.Now()
	res, err := cs.blockExec.ExecuteBlock(block, tip.Header, opts.removeFromTemp)
	if err != nil {
		return errors.Wrapf(err, "execute block %d %v", block.Height(), block.ID())
	}
	cs.setTip(block, res.FinalizedHeight)
	cs.metrics.MarkExecuted(start, block.Height(), res.FinalizedHeight)
	cs.Logger.Info("Executed block", "height", block.Height(), "id", block.ID(),
		"txs", len(block.Transactions), "finalized", res.FinalizedHeight)

	cs.eventSwitch.FireEvent(EventBlockNew, EventDataBlock{Block: block, Events: res.Events, Broadcast: !opts.skipBroadcast})
	if res.ValidatorUpdate != nil {
		cs.eventSwitch.FireEvent(EventValidatorsChanged, EventDataValidatorsChanged{Height: block.Height(), Update: res.ValidatorUpdate})
	}
	if res.FinalizedHeight > res.PrevFinalizedHeight {
		cs.eventSwitch.FireEvent(EventFinalizedHeightChanged, EventDataFinalizedHeightChanged{
			From: res.PrevFinalizedHeight,
			To:   res.FinalizedHeight,
		})
		cs.certifyFinalized(res.PrevFinalizedHeight, res.FinalizedHeight)
	}
	return nil
}

// certifyFinalized 本地验证者为新的最终区块创建single commit
func (cs *ConsensusState) certifyFinalized(from, to int64) {
	if cs.privVal == nil {
		return
	}
	low := from + 1
	if to-cs.config.CommitRangeStored > low {
		low = to - cs.config.CommitRangeStored
	}
	maxRemovalHeight, err := cs.GetMaxRemovalHeight()
	if err != nil {
		cs.Logger.Error("Failed to get max removal height", "err", err)
		return
	}
	if low <= maxRemovalHeight {
		low = maxRemovalHeight + 1
	}
	s := cs.blockStore.NewStateStore()
	addr := cs.privVal.GetAddress()
	for height := low; height <= to; height++ {
		params, err := cs.bft.GetBFTParameters(s, height)
		if err != nil {
			cs.Logger.Debug("No bft parameters for finalized height", "height", height, "err", err)
			continue
		}
		if !params.Validators.Active().HasAddress(addr) {
			continue
		}
		header, err := cs.blockStore.HeaderByHeight(height)
		if err != nil {
			cs.Logger.Error("Failed to load finalized header", "height", height, "err", err)
			continue
		}
		if err := cs.CertifySingleCommit(header, cs.privVal); err != nil {
			cs.Logger.Error("Failed to certify single commit", "height", height, "err", err)
		}
	}
	cs.metrics.MarkCommitPoolSize(cs.commitPool.Size())
}

// deleteLastBlock 撤销链头，父区块成为新的链头
func (cs *ConsensusState) deleteLastBlock(saveTemp bool) error {
	tip := cs.LastBlock()
	finalized := cs.FinalizedHeight()
	if tip.Height() <= finalized {
		return errors.Wrapf(state.ErrRemoveFinalized, "height %d finalized %d", tip.Height(), finalized)
	}
	prev, err := cs.blockStore.BlockByID(tip.Header.PreviousBlockID)
	if err != nil {
		return err
	}
	if err := cs.blockExec.RevertBlock(tip, prev.Header, saveTemp); err != nil {
		return err
	}
	cs.setTip(prev, finalized)
	cs.metrics.MarkDeleted(prev.Height())
	cs.Logger.Info("Deleted block", "height", tip.Height(), "id", tip.ID(), "saveTemp", saveTemp)
	cs.eventSwitch.FireEvent(EventBlockDelete, EventDataBlock{Block: tip})
	return nil
}

func (cs *ConsensusState) fireForkDetected(header, tip *types.BlockHeader, status cstypes.ForkStatus, peerID p2p.ID) {
	cs.eventSwitch.FireEvent(EventForkDetected, EventDataForkDetected{
		Block:  header,
		Tip:    tip,
		Status: status,
		PeerID: peerID,
	})
}

// ----- MsgInfo -----

type Message interface {
	String() string
}

type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
	done   chan error
}

type BlockMessage struct {
	Block *types.Block
}

func (m *BlockMessage) String() string {
	return fmt.Sprintf("[Block %v]", m.Block)
}

// GenerateMessage 出块，处理完成后Block为新区块
type GenerateMessage struct {
	Timestamp int64
	Block     *types.Block
}

func (m *GenerateMessage) String() string {
	return fmt.Sprintf("[Generate %d]", m.Timestamp)
}

type DeleteMessage struct {
	SaveTemp bool
}

func (m *DeleteMessage) String() string {
	return fmt.Sprintf("[Delete saveTemp:%v]", m.SaveTemp)
}
