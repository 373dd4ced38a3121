package types

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// 二进制编码：protobuf wire格式，所有必填字段都会写出（即使为空），
// 解码时拒绝未知字段和缺失的必填字段
var (
	ErrUnknownField  = errors.New("unknown field")
	ErrMissingField  = errors.New("missing required field")
	ErrWrongWireType = errors.New("unexpected wire type")
)

type encoder struct {
	buf []byte
}

func (e *encoder) writeBytes(num protowire.Number, v []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *encoder) writeString(num protowire.Number, v string) {
	e.writeBytes(num, []byte(v))
}

func (e *encoder) writeUint(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) writeInt(num protowire.Number, v int64) {
	e.writeUint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) writeBool(num protowire.Number, v bool) {
	e.writeUint(num, protowire.EncodeBool(v))
}

func (e *encoder) Bytes() []byte {
	return e.buf
}

type decoder struct {
	name string
	buf  []byte
	seen map[protowire.Number]bool
}

func newDecoder(name string, bz []byte) *decoder {
	return &decoder{name: name, buf: bz, seen: make(map[protowire.Number]bool)}
}

// next 返回下一个字段的编号，数据读完时ok为false
func (d *decoder) next() (num protowire.Number, typ protowire.Type, ok bool, err error) {
	if len(d.buf) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		return 0, 0, false, errors.Wrapf(protowire.ParseError(n), "%s: invalid tag", d.name)
	}
	d.buf = d.buf[n:]
	d.seen[num] = true
	return num, typ, true, nil
}

func (d *decoder) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, errors.Wrap(ErrWrongWireType, d.name)
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		return nil, errors.Wrapf(protowire.ParseError(n), "%s: invalid bytes", d.name)
	}
	d.buf = d.buf[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *decoder) string(typ protowire.Type) (string, error) {
	bz, err := d.bytes(typ)
	return string(bz), err
}

func (d *decoder) uint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, errors.Wrap(ErrWrongWireType, d.name)
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		return 0, errors.Wrapf(protowire.ParseError(n), "%s: invalid varint", d.name)
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *decoder) int(typ protowire.Type) (int64, error) {
	v, err := d.uint(typ)
	return protowire.DecodeZigZag(v), err
}

func (d *decoder) bool(typ protowire.Type) (bool, error) {
	v, err := d.uint(typ)
	return protowire.DecodeBool(v), err
}

func (d *decoder) unknown(num protowire.Number) error {
	return errors.Wrapf(ErrUnknownField, "%s: field %d", d.name, num)
}

func (d *decoder) require(nums ...protowire.Number) error {
	for _, num := range nums {
		if !d.seen[num] {
			return errors.Wrapf(ErrMissingField, "%s: field %d", d.name, num)
		}
	}
	return nil
}
