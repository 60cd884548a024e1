// Package recording provides a resilient audio-recording session manager:
// it captures microphone audio, frames it for transmission, streams it over
// a long-lived WebSocket to a remote transcription service, and keeps
// exactly one client instance owning the microphone and socket for a given
// logical session.
//
// # Overview
//
// The manager survives network loss, process backgrounding, restarts, and
// multiple instances racing for control:
//   - Capability probing selects a capture strategy and frame cadence
//   - Raw-sample frames travel in a deterministic binary envelope
//   - A bounded queue buffers frames across disconnects; reconnection uses
//     decorrelated-jitter backoff and flushes the queue in sequence order
//   - Application-level heartbeats convert silently dead sockets into
//     observable failures
//   - Advisory leader election over a broadcast bus and a durable store
//     arbitrates which instance holds the device
//
// # Quick Start
//
//	cfg, err := recording.LoadConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	mgr, err := recording.NewManager(recording.Deps{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	unsubscribe := mgr.Subscribe(func(s recording.State) {
//		fmt.Printf("phase=%s paused=%v\n", s.Phase, s.Paused)
//	})
//	defer unsubscribe()
//
//	if serr := mgr.Start(recording.StartOptions{
//		Type:      recording.SessionTypeNote,
//		AgentName: "scribe",
//	}); serr != nil {
//		log.Fatal(serr)
//	}
//	// ... record ...
//	mgr.Stop()
//
// # Ownership
//
// At most one instance owns a session's microphone and ingest socket at a
// time. Ownership is cooperative: the owner heartbeats into the durable
// store, and a challenger either detects staleness or negotiates a takeover
// over the bus. A brief dual-ownership window between a stale-check and a
// grant is an accepted property of the protocol, matching the service's own
// tolerance, and is minimized rather than eliminated.
//
// # Error Handling
//
// Failures carry a code from the fixed taxonomy (AUTH, MIC_DENIED,
// UNSUPPORTED, START_FAILED, WS_ERROR, HEARTBEAT_TIMEOUT,
// RECONNECT_EXHAUSTED, TAKEOVER_DENIED). Transport failures are retried
// internally; device, auth and capability failures are surfaced immediately
// and never retried. Only Start, AttachToExisting and RequestTakeover
// return errors to the caller; everything else flows through the state
// stream.
//
// # Dependencies
//
//   - github.com/gordonklaus/portaudio: audio capture
//   - github.com/gorilla/websocket: ingest socket
//   - github.com/rs/zerolog: structured logging
//   - github.com/golang-jwt/jwt/v4: stream tokens
//   - github.com/prometheus/client_golang: telemetry
//   - github.com/google/uuid: instance identity
//   - github.com/joho/godotenv, gopkg.in/yaml.v3: configuration
package recording
