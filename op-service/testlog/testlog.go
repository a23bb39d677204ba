// Package testlog provides a log handler for unit tests.
package testlog

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

var useColorInTestLog = os.Getenv("OP_TESTLOG_DISABLE_COLOR") != "true"

// Testing interface to log to. Standard Go testing.TB implements this.
type Testing interface {
	Logf(format string, args ...any)
	Helper()
	Name() string
	Cleanup(func())
}

// tWriter forwards complete lines to the test log.
// Output after the test finished is dropped, the testing package panics on it otherwise.
type tWriter struct {
	t    Testing
	mu   sync.Mutex
	buf  bytes.Buffer
	done bool
}

func (w *tWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return len(p), nil
	}
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.t.Logf("%s", strings.TrimSuffix(line, "\n"))
	}
	return len(p), nil
}

func (w *tWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
}

// Logger returns a logger which logs to the unit test log of t.
func Logger(t Testing, level slog.Level) log.Logger {
	return log.NewLogger(handler(t, level))
}

func handler(t Testing, level slog.Level) slog.Handler {
	w := &tWriter{t: t}
	t.Cleanup(w.close)
	return log.NewTerminalHandlerWithLevel(w, level, useColorInTestLog)
}
