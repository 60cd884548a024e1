package recording

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// FrameSink consumes captured frames. Called from the capture thread; must
// not block.
type FrameSink func(*FrameEnvelope)

// CaptureEngine owns the platform capture device and produces encoded audio
// frames at a fixed cadence. Pause suppresses frame emission without tearing
// down the device; the session manager guarantees the connection is open
// before calling Resume.
type CaptureEngine interface {
	Start(sink FrameSink) *SessionError
	Pause()
	Resume()
	Paused() bool
	Stop()
	// SetNextSeq overrides the next sequence number, used when reattaching
	// to an existing session so numbering continues where it left off.
	SetNextSeq(seq uint32)
	NextSeq() uint32
}

// PortAudioEngine captures raw samples from the default input device.
type PortAudioEngine struct {
	cap     *Capability
	log     *Logger
	stream  *portaudio.Stream
	running bool
	paused  atomic.Bool
	nextSeq atomic.Uint32
	mu      sync.Mutex
}

// NewPortAudioEngine creates an engine for the probed capability.
func NewPortAudioEngine(cap *Capability, log *Logger) *PortAudioEngine {
	if log == nil {
		log = NopLogger()
	}
	e := &PortAudioEngine{
		cap: cap,
		log: log.WithComponent("capture"),
	}
	e.nextSeq.Store(1)
	return e
}

// Start opens the device and begins emitting one envelope per hardware
// buffer. Device failures surface as MIC_DENIED and are never retried.
func (e *PortAudioEngine) Start(sink FrameSink) *SessionError {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, ErrCodeMicDenied)
	}

	stream, err := portaudio.OpenDefaultStream(
		int(e.cap.Channels), 0,
		float64(e.cap.SampleRate), int(e.cap.FrameSamples),
		func(in []int16) {
			if e.paused.Load() {
				return
			}
			sink(e.buildFrame(in))
		},
	)
	if err != nil {
		portaudio.Terminate()
		return WrapError(err, ErrCodeMicDenied)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return WrapError(err, ErrCodeMicDenied)
	}

	e.stream = stream
	e.running = true
	e.log.Infof("Capture started: %d Hz, %d ms frames", e.cap.SampleRate, e.cap.FrameDurationMs)
	return nil
}

func (e *PortAudioEngine) buildFrame(in []int16) *FrameEnvelope {
	payload := make([]byte, len(in)*2)
	for i, s := range in {
		payload[i*2] = byte(s)
		payload[i*2+1] = byte(s >> 8)
	}
	return &FrameEnvelope{
		Seq:             e.nextSeq.Add(1) - 1,
		Timestamp:       float64(time.Now().UnixNano()) / float64(time.Millisecond),
		SampleRate:      e.cap.SampleRate,
		FrameDurationMs: e.cap.FrameDurationMs,
		FrameSamples:    uint16(len(in)),
		Channels:        e.cap.Channels,
		Format:          FormatPCM16,
		Payload:         payload,
	}
}

// Pause suppresses emission. The device stays open so Resume is instant.
func (e *PortAudioEngine) Pause() { e.paused.Store(true) }

// Resume re-enables emission.
func (e *PortAudioEngine) Resume() { e.paused.Store(false) }

// Paused reports whether emission is suppressed.
func (e *PortAudioEngine) Paused() bool { return e.paused.Load() }

// Stop closes the device. Safe to call repeatedly.
func (e *PortAudioEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	if e.stream != nil {
		if err := e.stream.Stop(); err != nil {
			e.log.WithError(err).Warn("Capture stream stop failed")
		}
		if err := e.stream.Close(); err != nil {
			e.log.WithError(err).Warn("Capture stream close failed")
		}
		e.stream = nil
	}
	portaudio.Terminate()
	e.running = false
	e.paused.Store(false)
	e.log.Info("Capture stopped")
}

func (e *PortAudioEngine) SetNextSeq(seq uint32) { e.nextSeq.Store(seq) }

func (e *PortAudioEngine) NextSeq() uint32 { return e.nextSeq.Load() }
