package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"svcbus/codec"
)

// Pack serializes v with the given codec and wraps it in an envelope.
func Pack(ct codec.CodecType, msgType MsgType, flags Flags, seq uint32, v any) ([]byte, error) {
	body, err := codec.GetCodec(ct).Encode(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s body: %w", msgType, err)
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(body))
	header := Header{
		CodecType: byte(ct),
		MsgType:   msgType,
		Flags:     flags,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := Encode(&buf, &header, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack reads the envelope header from data and returns it together with the raw body.
// Trailing bytes after the body are rejected, and so is a bodyLen larger than the
// bytes actually present, before any body buffer is allocated.
func Unpack(data []byte) (*Header, []byte, error) {
	if len(data) >= HeaderSize {
		bodyLen := binary.BigEndian.Uint32(data[11:15])
		if uint64(bodyLen) > uint64(len(data)-HeaderSize) {
			return nil, nil, fmt.Errorf("protocol: body length %d exceeds %d available bytes", bodyLen, len(data)-HeaderSize)
		}
	}
	r := bytes.NewReader(data)
	header, body, err := Decode(r)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: %w", err)
	}
	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("protocol: %d trailing bytes after body", r.Len())
	}
	return header, body, nil
}

// DecodeBody decodes an unpacked body into v using the codec named in the header.
func DecodeBody(h *Header, body []byte, v any) error {
	if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, v); err != nil {
		return fmt.Errorf("protocol: decode %s body: %w", h.MsgType, err)
	}
	return nil
}
