package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"svcbus/message"
)

// BinaryCodec encodes frames as a sequence of length-prefixed fields.
//
//	string: uint16 length + bytes
//	blob:   uint32 length + bytes
//	list:   uint16 count  + blobs
//	bool:   1 byte
//
// CallFrame:     ID, Target, ReplyTo, Command (strings), Args (list)
// ResponseFrame: ID (string), IsError (bool), Kind (string), Payload (list)
// Registration:  Descriptor, Reason (strings)
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	var buf []byte
	switch msg := v.(type) {
	case *message.CallFrame:
		buf = appendString(buf, msg.ID)
		buf = appendString(buf, msg.Target)
		buf = appendString(buf, msg.ReplyTo)
		buf = appendString(buf, msg.Command)
		buf = appendList(buf, msg.Args)
	case *message.ResponseFrame:
		buf = appendString(buf, msg.ID)
		buf = appendBool(buf, msg.IsError)
		buf = appendString(buf, msg.Kind)
		buf = appendList(buf, msg.Payload)
	case *message.Registration:
		buf = appendString(buf, msg.Descriptor)
		buf = appendString(buf, msg.Reason)
	default:
		return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{data: data}
	switch msg := v.(type) {
	case *message.CallFrame:
		msg.ID = r.string()
		msg.Target = r.string()
		msg.ReplyTo = r.string()
		msg.Command = r.string()
		msg.Args = r.list()
	case *message.ResponseFrame:
		msg.ID = r.string()
		msg.IsError = r.bool()
		msg.Kind = r.string()
		msg.Payload = r.list()
	case *message.Registration:
		msg.Descriptor = r.string()
		msg.Reason = r.string()
	default:
		return fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBlob(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendList(buf []byte, items [][]byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(items)))
	for _, item := range items {
		buf = appendBlob(buf, item)
	}
	return buf
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// reader walks a buffer and records the first error; later reads become no-ops.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) string() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *reader) blob() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	raw := r.take(int(binary.BigEndian.Uint32(b)))
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func (r *reader) list() [][]byte {
	b := r.take(2)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(b))
	items := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, r.blob())
	}
	return items
}

func (r *reader) bool() bool {
	b := r.take(1)
	return b != nil && b[0] == 1
}
