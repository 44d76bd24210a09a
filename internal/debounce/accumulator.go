// Package debounce batches rapid-fire inbound messages per session so
// one AI turn answers a burst instead of answering each fragment.
package debounce

import (
	"sync"
	"time"
)

// FlushFunc receives the accumulated message IDs of one session, in
// arrival order, once the session has gone quiet for the delay.
type FlushFunc func(sessionID string, messageIDs []string)

type buffer struct {
	ids   []string
	timer *time.Timer
}

// Accumulator groups message IDs by session and flushes each group
// after a sliding delay: every new message resets the session's timer.
type Accumulator struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	stopped bool

	onFlush FlushFunc
}

// NewAccumulator creates an Accumulator that calls onFlush with each
// quiesced batch. onFlush runs on the timer goroutine.
func NewAccumulator(onFlush FlushFunc) *Accumulator {
	return &Accumulator{
		buffers: make(map[string]*buffer),
		onFlush: onFlush,
	}
}

// Add appends messageID to the session's batch and restarts its timer
// with the given delay. A non-positive delay flushes immediately,
// together with anything already buffered for the session.
func (a *Accumulator) Add(sessionID, messageID string, delay time.Duration) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}

	buf, ok := a.buffers[sessionID]
	if !ok {
		buf = &buffer{}
		a.buffers[sessionID] = buf
	}
	buf.ids = append(buf.ids, messageID)

	if delay <= 0 {
		ids := a.takeLocked(sessionID, buf)
		a.mu.Unlock()
		a.onFlush(sessionID, ids)
		return
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(delay, func() { a.Flush(sessionID) })
	a.mu.Unlock()
}

// Flush immediately delivers the session's pending batch, if any.
func (a *Accumulator) Flush(sessionID string) {
	a.mu.Lock()
	buf, ok := a.buffers[sessionID]
	if !ok || len(buf.ids) == 0 {
		a.mu.Unlock()
		return
	}
	ids := a.takeLocked(sessionID, buf)
	a.mu.Unlock()
	a.onFlush(sessionID, ids)
}

// FlushAll delivers every pending batch. Used on shutdown so buffered
// messages are handed off rather than lost.
func (a *Accumulator) FlushAll() {
	a.mu.Lock()
	batches := make(map[string][]string, len(a.buffers))
	for sessionID, buf := range a.buffers {
		if len(buf.ids) == 0 {
			continue
		}
		batches[sessionID] = a.takeLocked(sessionID, buf)
	}
	a.mu.Unlock()

	for sessionID, ids := range batches {
		a.onFlush(sessionID, ids)
	}
}

// PendingCount reports how many messages are buffered for the session.
func (a *Accumulator) PendingCount(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[sessionID]
	if !ok {
		return 0
	}
	return len(buf.ids)
}

// Stop cancels all timers and drops pending batches. Call FlushAll
// first when the batches should still be processed.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for sessionID, buf := range a.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(a.buffers, sessionID)
	}
}

// takeLocked detaches and returns the session's batch. Caller holds mu.
func (a *Accumulator) takeLocked(sessionID string, buf *buffer) []string {
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	ids := buf.ids
	delete(a.buffers, sessionID)
	return ids
}
