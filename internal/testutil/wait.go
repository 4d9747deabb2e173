package testutil

import (
	"time"
)

// TestingT is the minimal subset of *testing.T this package depends on, so
// it can be used from table-driven tests without importing testing itself
// into production code paths.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// WaitFor polls cond every 5ms until it returns true or timeout elapses,
// failing t if it never does. Used in place of time.Sleep for assertions
// about goroutine-driven state (election outcomes, channel closes).
func WaitFor(t TestingT, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
