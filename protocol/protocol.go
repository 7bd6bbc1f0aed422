// Package protocol implements the envelope every message travels in over the broker.
//
// A broker delivers opaque byte strings, so each one starts with a fixed 15-byte header
// telling the receiver how to decode the body and whether it reports a failure.
//
// Envelope format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│fl│   seq   │ bodyLen │    body ...    │
//	│ sbp  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The flags byte carries FlagError, the explicit success/error discriminant for
// responses and acks. Receivers never infer failure from the payload shape.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "sbp" (svcbus protocol).
const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x62 // 'b'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (flags) + 4 (seq) + 4 (bodyLen)
)

// MsgType identifies what the body holds.
type MsgType byte

const (
	MsgTypeCall       MsgType = 0 // Caller → service: message.CallFrame
	MsgTypeResponse   MsgType = 1 // Service → caller: message.ResponseFrame
	MsgTypeRegister   MsgType = 2 // Service → orchestrator: message.Registration
	MsgTypeAck        MsgType = 3 // Orchestrator → service: message.Registration
	MsgTypeHeartbeat  MsgType = 4 // Service → orchestrator: message.Registration
	MsgTypeUnregister MsgType = 5 // Service → orchestrator: message.Registration
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeCall:
		return "call"
	case MsgTypeResponse:
		return "response"
	case MsgTypeRegister:
		return "register"
	case MsgTypeAck:
		return "ack"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeUnregister:
		return "unregister"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Flags is a bit set in the header.
type Flags byte

const (
	FlagError Flags = 1 << 0 // The body reports a failure
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 15-byte envelope header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Flags     Flags
	Seq       uint32 // Correlates a response with the call it answers
	BodyLen   uint32
}

// IsError reports whether FlagError is set.
func (h *Header) IsError() bool {
	return h.Flags&FlagError != 0
}

// Encode writes a complete envelope (header + body) to w.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete envelope from r, validating magic, version, codec and message type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeUnregister {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])

	// The buffer grows with the bytes actually read, not with the claimed length.
	body, err := io.ReadAll(io.LimitReader(r, int64(bodyLen)))
	if err != nil {
		return nil, nil, err
	}
	if len(body) != int(bodyLen) {
		return nil, nil, io.ErrUnexpectedEOF
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Flags:     Flags(headerBuf[6]),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
