package errs

import (
	"strings"
	"sync"
)

// History is an append-only buffer of diagnostic lines, snapshotted at phase
// boundaries and on HTTP responses, then cleared. Both the master process
// and every service process keep their own instance.
type History struct {
	mu   sync.Mutex
	buf  strings.Builder
	size int
}

// NewHistory creates an empty error history.
func NewHistory() *History {
	return &History{}
}

// Append adds a diagnostic line, newline-terminated.
func (h *History) Append(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		h.buf.WriteByte('\n')
	}
	h.size++
}

// Snapshot returns the accumulated text without clearing it.
func (h *History) Snapshot() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.String()
}

// Empty reports whether the history currently holds no lines.
func (h *History) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size == 0
}

// Clear resets the history to empty.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	h.size = 0
}

// Drain returns the snapshot and clears the history in one step, the usual
// pattern at phase boundaries: print whatever accumulated, then start fresh.
func (h *History) Drain() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.buf.String()
	h.buf.Reset()
	h.size = 0
	return s
}
