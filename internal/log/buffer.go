package log

import (
	"context"
	"log/slog"
	"sync"
)

// RingBuffer keeps the most recent log lines.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	head  int
	full  bool
}

// NewRingBuffer creates a ring buffer. A non-positive capacity means 500.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add appends a line, evicting the oldest when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % len(rb.lines)
	if rb.head == 0 {
		rb.full = true
	}
}

// Lines returns up to n of the newest lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	total := rb.total()
	n = min(n, total)
	if n <= 0 {
		return []string{}
	}

	start := 0
	if rb.full {
		start = rb.head
	}
	skip := total - n
	out := make([]string, n)
	for i := range out {
		out[i] = rb.lines[(start+skip+i)%len(rb.lines)]
	}
	return out
}

// Total returns the number of lines currently held.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total()
}

func (rb *RingBuffer) total() int {
	if rb.full {
		return len(rb.lines)
	}
	return rb.head
}

func (rb *RingBuffer) Capacity() int { return len(rb.lines) }

// ringWriter turns each Write from a slog text handler into one line.
type ringWriter struct{ rb *RingBuffer }

func (w ringWriter) Write(p []byte) (int, error) {
	w.rb.Add(string(p))
	return len(p), nil
}

// BufferHandler records every enabled entry as a text line in a RingBuffer
// and forwards it to the wrapped handler.
type BufferHandler struct {
	wrapped slog.Handler
	text    slog.Handler
}

// NewBufferHandler tees records at or above level into buffer. wrapped may
// be nil.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer, level slog.Level) *BufferHandler {
	return &BufferHandler{
		wrapped: wrapped,
		text:    slog.NewTextHandler(ringWriter{buffer}, &slog.HandlerOptions{Level: level}),
	}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.text.Enabled(ctx, level) {
		return true
	}
	return h.wrapped != nil && h.wrapped.Enabled(ctx, level)
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.text.Enabled(ctx, r.Level) {
		h.text.Handle(ctx, r.Clone())
	}
	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &BufferHandler{text: h.text.WithAttrs(attrs)}
	if h.wrapped != nil {
		out.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return out
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	out := &BufferHandler{text: h.text.WithGroup(name)}
	if h.wrapped != nil {
		out.wrapped = h.wrapped.WithGroup(name)
	}
	return out
}
