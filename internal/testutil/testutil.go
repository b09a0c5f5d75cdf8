package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/shaban/sequencer/config"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		return true
	}
	return false
}

// SmallConfig returns a default engine configuration tuned for faster tests.
func SmallConfig() config.Config {
	c := config.Default()
	c.Audio.BufferSize = 64
	c.LogLevel = "error"
	return c
}

// DiscardLogger returns a logger that drops everything, or logs to stderr
// when SEQ_TEST_LOG=1.
func DiscardLogger() *slog.Logger {
	if os.Getenv("SEQ_TEST_LOG") == "1" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
