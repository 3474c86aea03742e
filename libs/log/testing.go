package log

import (
	"testing"

	"github.com/rs/zerolog"
)

// NewTestingLogger converts a testing.T into a logging interface to make
// test failures and verbose provide better feedback associated with test
// failures. This logging instance is safe for use from multiple threads,
// but in general you should create one of these loggers ONCE for each
// *testing.T instance that you interact with.
//
// By default it collects only ERROR messages, or DEBUG messages in verbose
// mode, and relies on the testing framework to omit logs for passing tests.
func NewTestingLogger(t testing.TB) Logger {
	level := zerolog.ErrorLevel
	if testing.Verbose() {
		level = zerolog.DebugLevel
	}

	return defaultLogger{
		Logger: zerolog.New(testWriter{t}).Level(level),
	}
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
