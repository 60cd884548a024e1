package recording

import (
	"time"

	"github.com/gordonklaus/portaudio"
)

// CaptureStrategy selects how captured audio is framed for transmission.
type CaptureStrategy string

const (
	// StrategyPCM streams raw-sample frames wrapped in the binary envelope,
	// typically 20 ms per frame.
	StrategyPCM CaptureStrategy = "pcm"
	// StrategyContainer streams encoder-produced container chunks as opaque
	// bytes, typically 3 s per chunk. Selected when the platform carries a
	// native encoder but raw-sample capture is unavailable.
	StrategyContainer CaptureStrategy = "container"
)

// Capability is the probe result: the chosen strategy plus the capture
// parameters every downstream component keys off.
type Capability struct {
	Strategy        CaptureStrategy
	Format          string // wire format tag, "pcm16" for StrategyPCM
	SampleRate      uint32
	FrameSamples    uint16
	FrameDurationMs uint16
	Channels        uint16
	ChunkInterval   time.Duration // container-chunk cadence, zero for PCM
	DeviceName      string
}

// CapabilityProbe inspects the host platform and selects a capture strategy.
type CapabilityProbe interface {
	Probe() (*Capability, *SessionError)
}

// Default PCM capture parameters: 16 kHz mono, 20 ms frames.
const (
	defaultSampleRate   = 16000
	defaultFrameMs      = 20
	defaultFrameSamples = defaultSampleRate * defaultFrameMs / 1000
)

// PortAudioProbe probes the local audio stack through PortAudio.
type PortAudioProbe struct {
	log *Logger
}

// NewPortAudioProbe creates a probe. A nil logger is replaced with a no-op.
func NewPortAudioProbe(log *Logger) *PortAudioProbe {
	if log == nil {
		log = NopLogger()
	}
	return &PortAudioProbe{log: log.WithComponent("probe")}
}

// Probe checks for a usable input device and picks raw-sample capture. It
// returns an UNSUPPORTED error when no viable capture strategy exists.
func (p *PortAudioProbe) Probe() (*Capability, *SessionError) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, ErrCodeUnsupported)
	}
	defer portaudio.Terminate()

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, WrapError(err, ErrCodeUnsupported).AddDetail("reason", "no input device")
	}
	if dev.MaxInputChannels < 1 {
		return nil, NewSessionError(ErrCodeUnsupported, "default device has no input channels").
			AddDetail("device", dev.Name)
	}

	cap := &Capability{
		Strategy:        StrategyPCM,
		Format:          "pcm16",
		SampleRate:      defaultSampleRate,
		FrameSamples:    defaultFrameSamples,
		FrameDurationMs: defaultFrameMs,
		Channels:        1,
		DeviceName:      dev.Name,
	}
	p.log.WithField("device", dev.Name).Debugf("Probe selected %s at %d Hz", cap.Strategy, cap.SampleRate)
	return cap, nil
}

// StaticProbe always returns a fixed capability. Useful for tests and for
// callers that already know their platform.
type StaticProbe struct {
	Capability *Capability
	Err        *SessionError
}

func (s *StaticProbe) Probe() (*Capability, *SessionError) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Capability, nil
}

// PCMCapability returns the default raw-sample capability, handy for tests
// and for StaticProbe.
func PCMCapability() *Capability {
	return &Capability{
		Strategy:        StrategyPCM,
		Format:          "pcm16",
		SampleRate:      defaultSampleRate,
		FrameSamples:    defaultFrameSamples,
		FrameDurationMs: defaultFrameMs,
		Channels:        1,
	}
}
