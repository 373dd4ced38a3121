package state

import "chainbft_node/types"

// eventCollector 按产生顺序收集区块执行中的事件并分配index
type eventCollector struct {
	height int64
	events types.Events
}

func newEventCollector(height int64) *eventCollector {
	return &eventCollector{height: height, events: types.Events{}}
}

func (c *eventCollector) add(evs types.Events) {
	for _, ev := range evs {
		indexed := *ev
		indexed.Height = c.height
		indexed.Index = uint32(len(c.events))
		c.events = append(c.events, &indexed)
	}
}
