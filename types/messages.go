package types

import (
	"github.com/pkg/errors"
)

// 节点之间传输的消息编码，区块和commit的gossip以及点对点RPC共用同一套codec

// RPCRequest 点对点请求
type RPCRequest struct {
	ID        uint64
	Procedure string
	Data      []byte
}

func (m *RPCRequest) Bytes() []byte {
	e := &encoder{}
	e.writeUint(1, m.ID)
	e.writeString(2, m.Procedure)
	e.writeBytes(3, m.Data)
	return e.Bytes()
}

func DecodeRPCRequest(bz []byte) (*RPCRequest, error) {
	d := newDecoder("rpc request", bz)
	m := &RPCRequest{}
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
			m.ID, err = d.uint(typ)
		case 2:
			m.Procedure, err = d.string(typ)
		case 3:
			m.Data, err = d.bytes(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, d.require(1, 2, 3)
}

// RPCResponse 点对点响应，Error非空表示对端处理失败
type RPCResponse struct {
	ID    uint64
	Data  []byte
	Error string
}

func (m *RPCResponse) Bytes() []byte {
	e := &encoder{}
	e.writeUint(1, m.ID)
	e.writeBytes(2, m.Data)
	e.writeString(3, m.Error)
	return e.Bytes()
}

func DecodeRPCResponse(bz []byte) (*RPCResponse, error) {
	d := newDecoder("rpc response", bz)
	m := &RPCResponse{}
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
			m.ID, err = d.uint(typ)
		case 2:
			m.Data, err = d.bytes(typ)
		case 3:
			m.Error, err = d.string(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, d.require(1, 2, 3)
}

// PostSingleCommits commit gossip的负载
type PostSingleCommits struct {
	Commits []*SingleCommit
}

func (m *PostSingleCommits) Bytes() []byte {
	e := &encoder{}
	for _, c := range m.Commits {
		e.writeBytes(1, c.Bytes())
	}
	return e.Bytes()
}

func DecodePostSingleCommits(bz []byte) (*PostSingleCommits, error) {
	d := newDecoder("post single commits", bz)
	m := &PostSingleCommits{}
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
		c, err := DecodeSingleCommit(field)
		if err != nil {
			return nil, err
		}
		m.Commits = append(m.Commits, c)
	}
	if len(m.Commits) == 0 {
		return nil, errors.Wrap(ErrMissingField, "post single commits: empty")
	}
	return m, nil
}

// BytesList 一组字节串，用于getBlocksFromId的响应和getHighestCommonBlock的请求
type BytesList struct {
	Items [][]byte
}

func (m *BytesList) Bytes() []byte {
	e := &encoder{}
	for _, item := range m.Items {
		e.writeBytes(1, item)
	}
	return e.Bytes()
}

func DecodeBytesList(bz []byte) (*BytesList, error) {
	d := newDecoder("bytes list", bz)
	m := &BytesList{Items: [][]byte{}}
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
		item, err := d.bytes(typ)
		if err != nil {
			return nil, err
		}
		m.Items = append(m.Items, item)
	}
	return m, nil
}

// NodeStatus 节点定期广播的链头信息
type NodeStatus struct {
	Height             int64
	MaxHeightPrevoted  int64
	MaxHeightFinalized int64
	LastBlockID        []byte
}

func (m *NodeStatus) Bytes() []byte {
	e := &encoder{}
	e.writeInt(1, m.Height)
	e.writeInt(2, m.MaxHeightPrevoted)
	e.writeInt(3, m.MaxHeightFinalized)
	e.writeBytes(4, m.LastBlockID)
	return e.Bytes()
}

func DecodeNodeStatus(bz []byte) (*NodeStatus, error) {
	d := newDecoder("node status", bz)
	m := &NodeStatus{}
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
			m.Height, err = d.int(typ)
		case 2:
			m.MaxHeightPrevoted, err = d.int(typ)
		case 3:
			m.MaxHeightFinalized, err = d.int(typ)
		case 4:
			m.LastBlockID, err = d.bytes(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, d.require(1, 2, 3, 4)
}
