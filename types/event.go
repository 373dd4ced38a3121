package types

import (
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Event 状态机执行过程中产生的事件，Index是其在区块内的序号
type Event struct {
	Module string             `json:"module"`
	Name   string             `json:"name"`
	Data   tmbytes.HexBytes   `json:"data"`
	Topics []tmbytes.HexBytes `json:"topics"`
	Height int64              `json:"height"`
	Index  uint32             `json:"index"`
}

func (ev *Event) Bytes() []byte {
	e := &encoder{}
	e.writeString(1, ev.Module)
	e.writeString(2, ev.Name)
	e.writeBytes(3, ev.Data)
	for _, topic := range ev.Topics {
		e.writeBytes(4, topic)
	}
	e.writeInt(5, ev.Height)
	e.writeUint(6, uint64(ev.Index))
	return e.Bytes()
}

func DecodeEvent(bz []byte) (*Event, error) {
	d := newDecoder("event", bz)
	ev := &Event{}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			ev.Module, err = d.string(typ)
		case 2:
			ev.Name, err = d.string(typ)
		case 3:
			ev.Data, err = d.bytes(typ)
		case 4:
			var topic []byte
			if topic, err = d.bytes(typ); err == nil {
				ev.Topics = append(ev.Topics, topic)
			}
		case 5:
			ev.Height, err = d.int(typ)
		case 6:
			var v uint64
			v, err = d.uint(typ)
			ev.Index = uint32(v)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1, 2, 3, 5, 6); err != nil {
		return nil, err
	}
	return ev, nil
}

type Events []*Event

// Root 按顺序对编码后的事件求merkle root，Index参与编码，所以顺序改变root也随之改变
func (evs Events) Root() tmbytes.HexBytes {
	bzs := make([][]byte, len(evs))
	for i, ev := range evs {
		bzs[i] = ev.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Bytes 整体编码，用于按高度存储。空列表编码为非nil的空切片，tm-db不接受nil值
func (evs Events) Bytes() []byte {
	e := &encoder{buf: []byte{}}
	for _, ev := range evs {
		e.writeBytes(1, ev.Bytes())
	}
	return e.Bytes()
}

func DecodeEvents(bz []byte) (Events, error) {
	d := newDecoder("events", bz)
	evs := Events{}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if num != 1 {
			return nil, d.unknown(num)
		}
		field, err := d.bytes(typ)
		if err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(field)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}
