package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations for test assertions. Longer durations are safe to use
// liberally since the happy path never waits them out.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// IntervalFast is a polling interval for Eventually-style assertions.
const IntervalFast = 25 * time.Millisecond

// Context returns a context canceled on test cleanup or after timeout,
// whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
