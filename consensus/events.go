package consensus

import (
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/types"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"
)

// ConsensusState通过自己的EventSwitch发出的通知
const (
	EventBlockNew               = "BlockNew"
	EventBlockDelete            = "BlockDelete"
	EventForkDetected           = "ForkDetected"
	EventValidatorsChanged      = "ValidatorsChanged"
	EventFinalizedHeightChanged = "FinalizedHeightChanged"
)

// EventDataBlock BlockNew和BlockDelete的数据
type EventDataBlock struct {
	Block  *types.Block
	Events types.Events
	// Broadcast为false时reactor不转发该区块
	Broadcast bool
}

type EventDataForkDetected struct {
	Block  *types.BlockHeader
	Tip    *types.BlockHeader
	Status cstypes.ForkStatus
	PeerID p2p.ID
}

type EventDataValidatorsChanged struct {
	Height int64
	Update *types.ValidatorUpdate
}

type EventDataFinalizedHeightChanged struct {
	From int64
	To   int64
}

var (
	_ events.EventData = EventDataBlock{}
	_ events.EventData = EventDataForkDetected{}
	_ events.EventData = EventDataValidatorsChanged{}
	_ events.EventData = EventDataFinalizedHeightChanged{}
)
