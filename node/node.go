package node

import (
	"net"
	"net/http"
	"strings"

	"chainbft_node/app/smallbank"
	"chainbft_node/bft"
	cfg "chainbft_node/config"
	"chainbft_node/consensus"
	"chainbft_node/consensus/synchronizer"
	"chainbft_node/libs/metric"
	"chainbft_node/mempool"
	"chainbft_node/privval"
	"chainbft_node/rpc"
	"chainbft_node/state"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"
)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *cfg.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (tmdb.DB, error)

// DefaultDBProvider 按db_backend和db_dir打开数据库
func DefaultDBProvider(ctx *DBContext) (tmdb.DB, error) {
	switch ctx.Config.DBBackend {
	case "memdb":
		return memdb.NewDB(), nil
	case "goleveldb":
		return leveldb.NewDB(ctx.ID, ctx.Config.DBDir())
	default:
		return nil, errors.Errorf("unsupported db_backend %q", ctx.Config.DBBackend)
	}
}

// GenesisDocProvider returns a GenesisDoc.
type GenesisDocProvider func() (*types.GenesisDoc, error)

func DefaultGenesisDocProviderFunc(config *cfg.Config) GenesisDocProvider {
	return func() (*types.GenesisDoc, error) {
		return types.GenesisDocFromFile(config.GenesisFile())
	}
}

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// DefaultNewNode 使用配置目录中的节点密钥、验证者密钥和创世文件创建节点
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load or gen node key %s", config.NodeKeyFile())
	}
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile())
	return NewNode(config, pv, nodeKey, DefaultGenesisDocProviderFunc(config), DefaultDBProvider, logger)
}

type Node struct {
	service.BaseService

	config        *cfg.Config
	genesisDoc    *types.GenesisDoc
	privValidator types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// storage
	blockStoreDB tmdb.DB
	stateDB      tmdb.DB
	blockStore   *store.BlockStore

	// services
	backend          *smallbank.Backend
	bft              *bft.Module
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	mempool          *mempool.ListMempool
	mempoolReactor   *mempool.Reactor
	metricSet        *metric.MetricSet
	rpcListeners     []net.Listener
}

func NewNode(
	config *cfg.Config,
	privValidator types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genesisDocProvider GenesisDocProvider,
	dbProvider DBProvider,
	logger log.Logger,
) (*Node, error) {
	genDoc, err := genesisDocProvider()
	if err != nil {
		return nil, err
	}
	genesis, err := smallbank.GenesisFromDoc(genDoc)
	if err != nil {
		return nil, err
	}

	blockStoreDB, err := dbProvider(&DBContext{"blockstore", config})
	if err != nil {
		return nil, err
	}
	stateDB, err := dbProvider(&DBContext{"state", config})
	if err != nil {
		return nil, err
	}
	blockStore := store.NewBlockStore(blockStoreDB)

	backend := smallbank.NewBackend(genDoc.ChainID, genesis, stateDB)
	backend.SetLogger(logger.With("module", smallbank.ModuleName))
	bftModule := bft.NewModule(genDoc.BFTBatchSize)
	blockExec := state.NewBlockExec(genDoc.ChainID, backend, bftModule, blockStore)

	mp := mempool.NewListMempool(config.Mempool, backend, genDoc.GenesisHeight,
		mempool.SetPreCheck(mempool.PreCheckModule(smallbank.ModuleName)))
	mempoolReactor := mempool.NewReactor(config.Mempool, mp)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	csMetrics := consensus.NewMetrics()
	csOptions := []consensus.ConsensusOption{consensus.WithTxSource(mp), consensus.WithMetrics(csMetrics)}
	if privValidator != nil {
		csOptions = append(csOptions, consensus.WithPrivValidator(privValidator))
	}
	consensusState := consensus.NewConsensusState(config.Consensus, genDoc, blockExec, blockStore, bftModule, csOptions...)
	consensusLogger := logger.With("module", "consensus")
	consensusState.SetLogger(consensusLogger)
	consensusReactor := consensus.NewReactor(consensusState, config.Consensus)
	consensusReactor.SetLogger(consensusLogger)
	consensusState.SetSynchronizer(synchronizer.NewSynchronizer(
		consensusState.SyncChain(), consensusReactor, config.Consensus, logger.With("module", "sync")))
	// 区块执行或删除后更新mempool
	if err := mp.ListenBlockEvents(consensusState.EventSwitch()); err != nil {
		return nil, err
	}

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", csMetrics); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("mempool", mp); err != nil {
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}
	transport := createTransport(config, nodeInfo, nodeKey)
	p2pLogger := logger.With("module", "p2p")
	sw := createSwitch(config, transport, consensusReactor, mempoolReactor, nodeInfo, nodeKey, p2pLogger)

	if privValidator != nil {
		logger.Info("Validator info", "address", privValidator.GetAddress(), "pubKey", privValidator.GetPubKey())
	}

	node := &Node{
		config:        config,
		genesisDoc:    genDoc,
		privValidator: privValidator,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		blockStoreDB: blockStoreDB,
		stateDB:      stateDB,
		blockStore:   blockStore,

		backend:          backend,
		bft:              bftModule,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		mempool:          mp,
		mempoolReactor:   mempoolReactor,
		metricSet:        metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)
	return node, nil
}

func createTransport(config *cfg.Config, nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	mConnConfig := conn.DefaultMConnConfig()
	mConnConfig.FlushThrottle = config.P2P.FlushThrottleTimeout
	mConnConfig.SendRate = config.P2P.SendRate
	mConnConfig.RecvRate = config.P2P.RecvRate
	mConnConfig.MaxPacketMsgPayloadSize = config.P2P.MaxPacketMsgPayloadSize

	transport := p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.UnconditionalPeerIDs, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)
	return transport
}

func createSwitch(
	config *cfg.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	mempoolReactor *mempool.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger,
) *p2p.Switch {
	sw := p2p.NewSwitch(config.P2P, transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)
	sw.AddReactor("MEMPOOL", mempoolReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func (n *Node) OnStart() error {
	// rpc先于p2p启动，方便外部观察节点状态
	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// 共识在switch之前启动，peer连接时链已经加载
	if err := n.consensusState.Start(); err != nil {
		return err
	}
	if err := n.sw.Start(); err != nil {
		return err
	}

	peers := splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " ")
	if err := n.sw.AddPersistentPeers(peers); err != nil {
		return errors.Wrap(err, "could not add peers from persistent_peers field")
	}
	if err := n.sw.DialPeersAsync(peers); err != nil {
		return errors.Wrap(err, "could not dial peers from persistent_peers field")
	}
	return nil
}

func (n *Node) OnStop() {
	n.BaseService.OnStop()
	n.Logger.Info("Stopping Node")

	var result error
	if err := n.sw.Stop(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop switch"))
	}
	if err := n.consensusState.Stop(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop consensus"))
	}
	if err := n.transport.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close transport"))
	}
	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close rpc listener"))
		}
	}
	if err := n.blockStore.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close block store"))
	}
	if err := n.stateDB.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close state db"))
	}
	if result != nil {
		n.Logger.Error("Error stopping node", "err", result)
	}
}

// ConfigureRPC 设置rpc处理函数使用的组件
func (n *Node) ConfigureRPC() {
	rpc.SetEnvironment(&rpc.Environment{
		Consensus:        n.consensusState,
		ConsensusReactor: n.consensusReactor,
		BlockStore:       n.blockStore,
		BFT:              n.bft,
		Mempool:          n.mempool,
		SmallBank:        n.backend,
		NodeInfo:         n.nodeInfo,
		MetricSet:        n.metricSet,
		Logger:           n.Logger.With("module", "rpc"),
	})
}

func (n *Node) startRPC() ([]net.Listener, error) {
	n.ConfigureRPC()

	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcLogger := n.Logger.With("module", "rpc-server")
		wmLogger := rpcLogger.With("protocol", "websocket")
		wm := rpcserver.NewWebsocketManager(rpc.Routes, rpcserver.ReadLimit(config.MaxBodyBytes))
		wm.SetLogger(wmLogger)
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				rpcLogger.Error("Error serving server", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

func (n *Node) Config() *cfg.Config {
	return n.config
}

func (n *Node) GenesisDoc() *types.GenesisDoc {
	return n.genesisDoc
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Mempool() *mempool.ListMempool {
	return n.mempool
}

func (n *Node) BlockStore() *store.BlockStore {
	return n.blockStore
}

func (n *Node) SmallBank() *smallbank.Backend {
	return n.backend
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
