package recording

import "sync"

// WakeLockHook is the platform capability behind the guard. It returns a
// release function and whether the lock was obtained. Platforms without a
// usable inhibitor simply return ok=false.
type WakeLockHook func() (release func(), ok bool)

// WakeLockGuard performs best-effort acquisition and release of a platform
// wake lock while recording is active. Absence of the capability, permission
// denial or any acquisition failure must not abort recording, so Acquire
// never returns an error.
type WakeLockGuard struct {
	hook    WakeLockHook
	release func()
	held    bool
	mu      sync.Mutex
}

// NewWakeLockGuard creates a guard around the given hook. A nil hook yields a
// guard whose Acquire always reports false.
func NewWakeLockGuard(hook WakeLockHook) *WakeLockGuard {
	return &WakeLockGuard{hook: hook}
}

// Acquire attempts to take the wake lock and reports success. Calling it
// while held is a no-op reporting true.
func (g *WakeLockGuard) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return true
	}
	if g.hook == nil {
		return false
	}
	release, ok := g.hook()
	if !ok {
		return false
	}
	g.release = release
	g.held = true
	return true
}

// Release drops the lock if held. Idempotent; invoked on every stop and
// cleanup path, including after errors.
func (g *WakeLockGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return
	}
	if g.release != nil {
		g.release()
	}
	g.release = nil
	g.held = false
}

// Held reports whether the lock is currently held.
func (g *WakeLockGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
