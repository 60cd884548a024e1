package recording

import "testing"

func TestWakeLockAcquireRelease(t *testing.T) {
	releases := 0
	g := NewWakeLockGuard(func() (func(), bool) {
		return func() { releases++ }, true
	})

	if !g.Acquire() {
		t.Fatal("acquire failed with a granting hook")
	}
	if !g.Held() {
		t.Error("guard not held after acquire")
	}

	// Acquire while held is a no-op reporting success.
	if !g.Acquire() {
		t.Error("re-acquire while held reported failure")
	}

	g.Release()
	g.Release()
	g.Release()
	if releases != 1 {
		t.Errorf("platform release ran %d times, want 1", releases)
	}
	if g.Held() {
		t.Error("guard still held after release")
	}
}

func TestWakeLockDeniedIsNonFatal(t *testing.T) {
	g := NewWakeLockGuard(func() (func(), bool) { return nil, false })
	if g.Acquire() {
		t.Error("acquire reported success from a denying hook")
	}
	g.Release() // must be safe without a prior successful acquire
}

func TestWakeLockNilHook(t *testing.T) {
	g := NewWakeLockGuard(nil)
	if g.Acquire() {
		t.Error("acquire reported success without a platform hook")
	}
	g.Release()
}
