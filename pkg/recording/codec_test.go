package recording

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func frameFixture(seq uint32, payload []byte) *FrameEnvelope {
	return &FrameEnvelope{
		Seq:             seq,
		Timestamp:       1724668800123.5,
		SampleRate:      16000,
		FrameDurationMs: 20,
		FrameSamples:    320,
		Channels:        1,
		Format:          FormatPCM16,
		Payload:         payload,
	}
}

func framesEqual(a, b *FrameEnvelope) bool {
	return a.Seq == b.Seq &&
		a.Timestamp == b.Timestamp &&
		a.SampleRate == b.SampleRate &&
		a.FrameDurationMs == b.FrameDurationMs &&
		a.FrameSamples == b.FrameSamples &&
		a.Channels == b.Channels &&
		a.Format == b.Format &&
		bytes.Equal(a.Payload, b.Payload)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *FrameEnvelope
	}{
		{
			name:  "typical 20ms frame",
			frame: frameFixture(42, bytes.Repeat([]byte{0xAB, 0xCD}, 320)),
		},
		{
			name:  "sequence zero",
			frame: frameFixture(0, []byte{0x01, 0x02}),
		},
		{
			name:  "sequence max uint32",
			frame: frameFixture(math.MaxUint32, []byte{0xFF, 0xFE}),
		},
		{
			name:  "empty payload",
			frame: frameFixture(7, nil),
		},
		{
			name: "boundary field values",
			frame: &FrameEnvelope{
				Seq:             1,
				Timestamp:       0,
				SampleRate:      math.MaxUint32,
				FrameDurationMs: math.MaxUint16,
				FrameSamples:    math.MaxUint16,
				Channels:        math.MaxUint16,
				Format:          math.MaxUint16,
				Payload:         []byte{0x00},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeFrame(tt.frame)
			if len(encoded) != FrameHeaderSize+len(tt.frame.Payload) {
				t.Fatalf("encoded length %d, want %d", len(encoded), FrameHeaderSize+len(tt.frame.Payload))
			}

			decoded, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !framesEqual(tt.frame, decoded) {
				t.Errorf("round trip mismatch: sent %+v, got %+v", tt.frame, decoded)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	f := frameFixture(99, []byte{1, 2, 3, 4})
	a := EncodeFrame(f)
	b := EncodeFrame(f)
	if !bytes.Equal(a, b) {
		t.Error("encoding the same frame twice produced different bytes")
	}
}

func TestEncodeLayout(t *testing.T) {
	f := frameFixture(0x01020304, []byte{0xAA})
	buf := EncodeFrame(f)

	if got := binary.LittleEndian.Uint32(buf[0:4]); got != FrameMagic {
		t.Errorf("magic = 0x%08x, want 0x%08x", got, FrameMagic)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != 0x01020304 {
		t.Errorf("seq = 0x%08x, want 0x01020304", got)
	}
	if got := binary.LittleEndian.Uint32(buf[28:32]); got != 1 {
		t.Errorf("payload length = %d, want 1", got)
	}
	if buf[FrameHeaderSize] != 0xAA {
		t.Errorf("payload byte = 0x%02x, want 0xAA", buf[FrameHeaderSize])
	}
}

func TestDecodeErrors(t *testing.T) {
	valid := EncodeFrame(frameFixture(1, []byte{1, 2}))

	corruptMagic := append([]byte(nil), valid...)
	corruptMagic[0] = 0x00

	corruptLen := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(corruptLen[28:32], 999)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty input", data: nil},
		{name: "truncated header", data: valid[:FrameHeaderSize-1]},
		{name: "bad magic", data: corruptMagic},
		{name: "payload length mismatch", data: corruptLen},
		{name: "truncated payload", data: valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame(tt.data); err == nil {
				t.Error("expected error, got none")
			}
		})
	}
}
