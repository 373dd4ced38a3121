package consensus

import (
	"time"

	"chainbft_node/types"

	"github.com/tendermint/tendermint/libs/service"
)

// slotTick 进入一个新的slot
type slotTick struct {
	Slot types.LTime
	Time time.Time
}

// SlotClock 在每个slot开始时发出slotTick，slot由创世时间和出块间隔换算
type SlotClock struct {
	service.BaseService

	slots types.Slots
	tockC chan slotTick
	timer *time.Timer

	now func() time.Time
}

func NewSlotClock(slots types.Slots) *SlotClock {
	sc := &SlotClock{
		slots: slots,
		tockC: make(chan slotTick, 1),
		now:   time.Now,
	}
	sc.BaseService = *service.NewBaseService(nil, "SlotClock", sc)
	return sc
}

// Chan 接收者处理过慢时丢弃旧的tick
func (sc *SlotClock) Chan() <-chan slotTick {
	return sc.tockC
}

func (sc *SlotClock) GetSlot() types.LTime {
	return sc.slots.CurrentSlot(sc.now())
}

func (sc *SlotClock) OnStart() error {
	sc.timer = time.NewTimer(sc.untilNextSlot())
	go sc.timeoutRoutine()
	return nil
}

func (sc *SlotClock) OnStop() {
	sc.timer.Stop()
}

// untilNextSlot 距离下一个slot开始的时间
func (sc *SlotClock) untilNextSlot() time.Duration {
	now := sc.now()
	next := sc.slots.SlotTime(sc.slots.CurrentSlot(now) + 1)
	d := time.Unix(next, 0).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

func (sc *SlotClock) timeoutRoutine() {
	for {
		select {
		case t := <-sc.timer.C:
			tick := slotTick{Slot: sc.slots.CurrentSlot(t), Time: t}
			sc.Logger.Debug("Slot tick", "slot", tick.Slot)
			select {
			case sc.tockC <- tick:
			default:
				// 丢弃未被消费的tick
				select {
				case <-sc.tockC:
				default:
				}
				sc.tockC <- tick
			}
			sc.timer.Reset(sc.untilNextSlot())
		case <-sc.Quit():
			return
		}
	}
}
