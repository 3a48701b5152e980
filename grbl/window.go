package grbl

import "fmt"

type inflight struct {
	index int
	line  string
}

// An AckWindow tracks the lines sent to the device and not yet
// acknowledged. Each costs its length plus the newline in the device's
// receive buffer, and the total never exceeds the capacity.
//
// An AckWindow is not safe for concurrent use.
type AckWindow struct {
	capacity int
	used     int
	pending  []inflight
}

// NewAckWindow returns an empty window for a receive buffer of the given
// size in bytes.
func NewAckWindow(capacity int) *AckWindow {
	return &AckWindow{capacity: capacity}
}

func cost(line string) int { return len(line) + 1 }

// Fits reports whether line can be sent now.
func (w *AckWindow) Fits(line string) bool {
	return w.used+cost(line) <= w.capacity
}

// Push records line, the index'th of the stream, as sent.
func (w *AckWindow) Push(index int, line string) error {
	if !w.Fits(line) {
		return fmt.Errorf("line %d (%d bytes) doesn't fit: %d of %d in use", index, cost(line), w.used, w.capacity)
	}
	w.used += cost(line)
	w.pending = append(w.pending, inflight{index, line})
	return nil
}

// Pop removes the oldest line, which the device has acknowledged.
func (w *AckWindow) Pop() (index int, line string, ok bool) {
	if len(w.pending) == 0 {
		return -1, "", false
	}
	p := w.pending[0]
	w.pending = w.pending[1:]
	w.used -= cost(p.line)
	return p.index, p.line, true
}

// Oldest returns the line the next acknowledgement is for.
func (w *AckWindow) Oldest() (index int, line string, ok bool) {
	if len(w.pending) == 0 {
		return -1, "", false
	}
	return w.pending[0].index, w.pending[0].line, true
}

// dropNewest forgets the most recent push, for a line that was never
// written.
func (w *AckWindow) dropNewest() {
	if n := len(w.pending); n > 0 {
		w.used -= cost(w.pending[n-1].line)
		w.pending = w.pending[:n-1]
	}
}

// Reset empties the window and sets its capacity.
func (w *AckWindow) Reset(capacity int) {
	w.capacity = capacity
	w.used = 0
	w.pending = nil
}

func (w *AckWindow) Len() int      { return len(w.pending) }
func (w *AckWindow) Used() int     { return w.used }
func (w *AckWindow) Capacity() int { return w.capacity }
