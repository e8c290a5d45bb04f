// Package globaltime is the process clock. Rollback deadlines, claim stamps
// and case timestamps all read it so tests can pin and advance time.
package globaltime

import (
	"sync"
	"time"
)

var (
	mu       sync.RWMutex
	frozen   time.Time
	isFrozen bool
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	if isFrozen {
		return frozen
	}
	return time.Now()
}

func UTC() time.Time {
	return Now().UTC()
}

// Freeze pins the clock at t until the returned func (or Reset) runs.
func Freeze(t time.Time) func() {
	mu.Lock()
	defer mu.Unlock()
	frozen = t
	isFrozen = true
	return Reset
}

// Advance moves a frozen clock forward. It does nothing on the real clock.
func Advance(d time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if isFrozen {
		frozen = frozen.Add(d)
	}
}

func Reset() {
	mu.Lock()
	defer mu.Unlock()
	frozen = time.Time{}
	isFrozen = false
}
