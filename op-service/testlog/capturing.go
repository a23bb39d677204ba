package testlog

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// CapturedAttributes forms a chain of inherited attributes, to traverse on captured log records.
type CapturedAttributes struct {
	Parent     *CapturedAttributes
	Attributes []slog.Attr
}

// Attrs calls f on each Attr in the [CapturedAttributes].
// Iteration stops if f returns false.
func (r *CapturedAttributes) Attrs(f func(slog.Attr) bool) {
	for _, a := range r.Attributes {
		if !f(a) {
			return
		}
	}
	if r.Parent != nil {
		r.Parent.Attrs(f)
	}
}

// CapturedRecord wraps a log-record with the attributes inherited from the logger that emitted it.
type CapturedRecord struct {
	Parent *CapturedAttributes
	*slog.Record
}

// Attrs calls f on each Attr in the [CapturedRecord].
// Iteration stops if f returns false.
func (r *CapturedRecord) Attrs(f func(slog.Attr) bool) {
	searching := true
	r.Record.Attrs(func(a slog.Attr) bool {
		searching = f(a)
		return searching
	})
	if !searching {
		return
	}
	if r.Parent != nil {
		r.Parent.Attrs(f)
	}
}

func (r *CapturedRecord) AttrValue(name string) (v any) {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == name {
			v = a.Value.Any()
			return false
		}
		return true
	})
	return
}

type captureLog struct {
	mu   sync.Mutex
	logs []*CapturedRecord
}

// CapturingHandler captures all log records and forwards them to a delegate.
// Derived handlers share the captured log, which is safe for concurrent use.
type CapturingHandler struct {
	handler slog.Handler
	log     *captureLog
	attrs   *CapturedAttributes
}

var _ slog.Handler = (*CapturingHandler)(nil)

// CaptureLogger returns a test logger together with the handler that records everything it logs.
func CaptureLogger(t Testing, level slog.Level) (log.Logger, *CapturingHandler) {
	h := &CapturingHandler{handler: handler(t, level), log: new(captureLog)}
	return log.NewLogger(h), h
}

func (c *CapturingHandler) Handle(ctx context.Context, r slog.Record) error {
	c.log.mu.Lock()
	c.log.logs = append(c.log.logs, &CapturedRecord{Parent: c.attrs, Record: &r})
	c.log.mu.Unlock()
	return c.handler.Handle(ctx, r)
}

func (c *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CapturingHandler{
		handler: c.handler.WithAttrs(attrs),
		log:     c.log,
		attrs:   &CapturedAttributes{Parent: c.attrs, Attributes: attrs},
	}
}

func (c *CapturingHandler) WithGroup(name string) slog.Handler {
	return &CapturingHandler{handler: c.handler.WithGroup(name), log: c.log}
}

func (c *CapturingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return c.handler.Enabled(ctx, level)
}

func (c *CapturingHandler) Clear() {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.log.logs = c.log.logs[:0]
}

type LogFilter func(record *CapturedRecord) bool

func NewLevelFilter(level slog.Level) LogFilter {
	return func(r *CapturedRecord) bool {
		return r.Record.Level == level
	}
}

func NewAttributesFilter(key, value string) LogFilter {
	return func(r *CapturedRecord) bool {
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key && a.Value.String() == value {
				found = true
				return false
			}
			return true
		})
		return found
	}
}

func NewMessageFilter(message string) LogFilter {
	return func(r *CapturedRecord) bool {
		return r.Record.Message == message
	}
}

func NewMessageContainsFilter(message string) LogFilter {
	return func(r *CapturedRecord) bool {
		return strings.Contains(r.Record.Message, message)
	}
}

func (c *CapturingHandler) FindLog(filters ...LogFilter) *CapturedRecord {
	if logs := c.FindLogs(filters...); len(logs) > 0 {
		return logs[0]
	}
	return nil
}

func (c *CapturingHandler) FindLogs(filters ...LogFilter) []*CapturedRecord {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	var out []*CapturedRecord
	for _, record := range c.log.logs {
		match := true
		for _, filter := range filters {
			if !filter(record) {
				match = false
				break
			}
		}
		if match {
			out = append(out, record)
		}
	}
	return out
}
