package forward

import (
	"log/slog"
	"strconv"
	"sync"
	"testing"
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

// mockLogger records every log call.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (m *mockLogger) log(level, msg string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, logEntry{level: level, msg: msg, args: args})
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log("debug", msg, args) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log("info", msg, args) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("warn", msg, args) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("error", msg, args) }

// find returns the entries logged with msg.
func (m *mockLogger) find(msg string) []logEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logEntry
	for _, e := range m.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// arg returns the value logged under key.
func (e logEntry) arg(key string) (any, bool) {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1], true
		}
	}
	return nil, false
}

func TestLogger_Interface(t *testing.T) {
	var _ Logger = (*mockLogger)(nil)
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	if defaultLogger() == nil {
		t.Fatal("defaultLogger returned nil")
	}
}

func TestQuoteBytes(t *testing.T) {
	raw := []byte{0x93, 'a', 0x00, '\n'}

	quoted := quoteBytes(raw)
	back, err := strconv.Unquote(quoted)
	if err != nil {
		t.Fatalf("Unquote(%s) failed: %v", quoted, err)
	}
	if back != string(raw) {
		t.Errorf("round trip = %q, want %q", back, raw)
	}
}
