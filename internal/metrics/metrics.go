// Package metrics registers the expvar counters exposed by the ADB client
// and session layer, mirroring the teacher's constants.go expvar block.
package metrics

import (
	"expvar"
	"sync"
)

var (
	mu       sync.Mutex
	counters = expvar.NewMap("snapo_adb")
)

// Inc increments the named counter by one, creating it on first use.
func Inc(name string) {
	Add(name, 1)
}

// Add increments the named counter by delta, creating it on first use.
func Add(name string, delta int64) {
	mu.Lock()
	defer mu.Unlock()
	counters.Add(name, delta)
}

// Snapshot returns the current value of every registered counter, for
// tests and diagnostics endpoints.
func Snapshot() map[string]int64 {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]int64)
	counters.Do(func(kv expvar.KeyValue) {
		if iv, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = iv.Value()
		}
	})
	return out
}
