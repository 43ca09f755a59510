package testutil

import (
	"testing"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
)

// Logger returns a standard testing logger with debug level enabled.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(t, nil).Leveled(slog.LevelDebug)
}
