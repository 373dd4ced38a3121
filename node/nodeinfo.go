package node

import (
	cfg "chainbft_node/config"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/mempool"
	"chainbft_node/types"

	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/version"
)

// nodeChannels 握手时声明的channel，peer之间至少要有一个相同
var nodeChannels = []byte{
	cstypes.BlockChannel,
	cstypes.CommitChannel,
	cstypes.RPCRequestChannel,
	cstypes.RPCResponseChannel,
	cstypes.StatusChannel,
	mempool.MempoolChannel,
}

// makeNodeInfo 以chainID作为network，不同链的节点握手失败
func makeNodeInfo(config *cfg.Config, nodeKey *p2p.NodeKey, genDoc *types.GenesisDoc) (p2p.NodeInfo, error) {
	txIndexerStatus := "off"

	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			version.P2PProtocol, // global
			version.BlockProtocol,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels:      nodeChannels,
		Moniker:       config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    txIndexerStatus,
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}
