package protocol

import (
	"bytes"
	"testing"

	"svcbus/codec"
	"svcbus/message"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeResponse,
		Flags:     FlagError,
		Seq:       12345,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("expect %d bytes, got %d", HeaderSize+len(body), buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if *decodedHeader != header {
		t.Errorf("Header mismatch: got %+v, want %+v", *decodedHeader, header)
	}
	if !decodedHeader.IsError() {
		t.Error("FlagError lost in round trip")
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeCall), 0x00, 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
		Seq:       12345,
		BodyLen:   0,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, []byte{}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // bad version
		CodecTypeJSON,
		byte(MsgTypeCall),
		0,          // flags
		0, 0, 0, 1, // seq
		0, 0, 0, 0, // body length
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expect error for bad version")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeInvalidMsgType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary,
		0x7f, // unknown message type
		0, 0, 0, 0, 1, 0, 0, 0, 0,
	})

	if _, _, err := Decode(&buf); err == nil {
		t.Fatal("expect error for unknown message type")
	}
}

func TestPackUnpack(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		frame := &message.CallFrame{ID: "a", Command: "calculate-sum", Args: message.Bytes("1", "2")}

		data, err := Pack(ct, MsgTypeCall, 0, 77, frame)
		if err != nil {
			t.Fatalf("%s: Pack failed: %v", ct, err)
		}

		header, body, err := Unpack(data)
		if err != nil {
			t.Fatalf("%s: Unpack failed: %v", ct, err)
		}
		if header.MsgType != MsgTypeCall || header.Seq != 77 || header.IsError() {
			t.Fatalf("%s: unexpected header %+v", ct, header)
		}

		var decoded message.CallFrame
		if err := DecodeBody(header, body, &decoded); err != nil {
			t.Fatalf("%s: DecodeBody failed: %v", ct, err)
		}
		if decoded.Command != "calculate-sum" || len(decoded.Args) != 2 {
			t.Fatalf("%s: unexpected frame %+v", ct, decoded)
		}
	}
}

func TestUnpackTrailingBytes(t *testing.T) {
	data, err := Pack(codec.CodecTypeJSON, MsgTypeAck, 0, 1, &message.Registration{Descriptor: "svc:calc:a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Unpack(append(data, 0x00)); err == nil {
		t.Fatal("expect error for trailing bytes")
	}
}

// A header that claims more body than the envelope carries is rejected up front.
func TestUnpackOversizedBodyLen(t *testing.T) {
	var buf bytes.Buffer
	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeCall,
		Seq:       1,
		BodyLen:   0xFFFFFFFF,
	}
	if err := Encode(&buf, header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("expect %d byte envelope, got %d", HeaderSize, buf.Len())
	}

	if _, _, err := Unpack(buf.Bytes()); err == nil {
		t.Fatal("expect error for body length beyond input")
	}
	if _, _, err := Decode(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expect Decode error for body length beyond input")
	}

	short := append(buf.Bytes()[:HeaderSize:HeaderSize], 0x01, 0x02)
	short[11], short[12], short[13], short[14] = 0, 0, 0, 3
	if _, _, err := Unpack(short); err == nil {
		t.Fatal("expect error for truncated body")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeCall,
		Seq:       999,
		BodyLen:   uint32(len(largeBody)),
	}

	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
