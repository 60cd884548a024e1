package recording

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Binary frame constants.
const (
	// FrameMagic marks the start of every encoded frame ("PCM1" little-endian).
	FrameMagic uint32 = 0x314D4350

	// FrameHeaderSize is the fixed header length in bytes:
	// magic(4) + seq(4) + timestamp(8) + samples(2) + duration(2) +
	// rate(4) + channels(2) + format(2) + payloadLen(4).
	FrameHeaderSize = 32

	// FormatPCM16 is the only payload format tag currently defined.
	FormatPCM16 uint16 = 1
)

// FrameEnvelope is one slice of raw audio samples plus the metadata needed to
// interpret it server-side. Sequence numbers are monotonic per session and
// start at 1.
type FrameEnvelope struct {
	Seq             uint32
	Timestamp       float64 // unix millis, fractional
	SampleRate      uint32
	FrameDurationMs uint16
	FrameSamples    uint16
	Channels        uint16
	Format          uint16
	Payload         []byte
}

// EncodeFrame serializes an envelope into the little-endian wire layout.
// Encoding is deterministic: equal envelopes produce equal bytes.
func EncodeFrame(f *FrameEnvelope) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], FrameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], f.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(f.Timestamp))
	binary.LittleEndian.PutUint16(buf[16:18], f.FrameSamples)
	binary.LittleEndian.PutUint16(buf[18:20], f.FrameDurationMs)
	binary.LittleEndian.PutUint32(buf[20:24], f.SampleRate)
	binary.LittleEndian.PutUint16(buf[24:26], f.Channels)
	binary.LittleEndian.PutUint16(buf[26:28], f.Format)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses an encoded frame. The payload is copied out of the
// input buffer, so the caller may reuse it.
func DecodeFrame(data []byte) (*FrameEnvelope, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", FrameHeaderSize, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != FrameMagic {
		return nil, fmt.Errorf("bad frame magic: 0x%08x", magic)
	}

	payloadLen := binary.LittleEndian.Uint32(data[28:32])
	if int(payloadLen) != len(data)-FrameHeaderSize {
		return nil, fmt.Errorf("payload length mismatch: header says %d, got %d", payloadLen, len(data)-FrameHeaderSize)
	}

	f := &FrameEnvelope{
		Seq:             binary.LittleEndian.Uint32(data[4:8]),
		Timestamp:       math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
		FrameSamples:    binary.LittleEndian.Uint16(data[16:18]),
		FrameDurationMs: binary.LittleEndian.Uint16(data[18:20]),
		SampleRate:      binary.LittleEndian.Uint32(data[20:24]),
		Channels:        binary.LittleEndian.Uint16(data[24:26]),
		Format:          binary.LittleEndian.Uint16(data[26:28]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[FrameHeaderSize:])
	}
	return f, nil
}
