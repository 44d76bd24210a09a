package debounce

import (
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu      sync.Mutex
	batches map[string][][]string
}

func newCapture() *capture {
	return &capture{batches: make(map[string][][]string)}
}

func (c *capture) flush(sessionID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[sessionID] = append(c.batches[sessionID], ids)
}

func (c *capture) get(sessionID string) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[sessionID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBurstFlushesAsOneBatch(t *testing.T) {
	c := newCapture()
	a := NewAccumulator(c.flush)
	defer a.Stop()

	a.Add("s1", "m1", 30*time.Millisecond)
	a.Add("s1", "m2", 30*time.Millisecond)
	a.Add("s1", "m3", 30*time.Millisecond)

	waitFor(t, func() bool { return len(c.get("s1")) == 1 })
	got := c.get("s1")[0]
	if len(got) != 3 || got[0] != "m1" || got[2] != "m3" {
		t.Fatalf("batch = %v, want [m1 m2 m3] in arrival order", got)
	}
}

func TestSlidingTimerResetsOnNewMessage(t *testing.T) {
	c := newCapture()
	a := NewAccumulator(c.flush)
	defer a.Stop()

	a.Add("s1", "m1", 80*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	a.Add("s1", "m2", 80*time.Millisecond)

	// The original 80ms deadline has passed; the reset one has not.
	time.Sleep(50 * time.Millisecond)
	if got := c.get("s1"); len(got) != 0 {
		t.Fatalf("flushed early: %v", got)
	}

	waitFor(t, func() bool { return len(c.get("s1")) == 1 })
	if got := c.get("s1")[0]; len(got) != 2 {
		t.Fatalf("batch = %v, want both messages", got)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	c := newCapture()
	a := NewAccumulator(c.flush)
	defer a.Stop()

	a.Add("s1", "a1", 20*time.Millisecond)
	a.Add("s2", "b1", 20*time.Millisecond)

	waitFor(t, func() bool { return len(c.get("s1")) == 1 && len(c.get("s2")) == 1 })
	if got := c.get("s1")[0]; len(got) != 1 || got[0] != "a1" {
		t.Fatalf("s1 batch = %v", got)
	}
	if got := c.get("s2")[0]; len(got) != 1 || got[0] != "b1" {
		t.Fatalf("s2 batch = %v", got)
	}
}

func TestZeroDelayFlushesImmediately(t *testing.T) {
	c := newCapture()
	a := NewAccumulator(c.flush)
	defer a.Stop()

	a.Add("s1", "m1", 0)

	if got := c.get("s1"); len(got) != 1 || got[0][0] != "m1" {
		t.Fatalf("batches = %v, want synchronous flush", got)
	}
	if n := a.PendingCount("s1"); n != 0 {
		t.Fatalf("PendingCount = %d after flush", n)
	}
}

func TestFlushAllDrainsEverything(t *testing.T) {
	c := newCapture()
	a := NewAccumulator(c.flush)
	defer a.Stop()

	a.Add("s1", "m1", time.Minute)
	a.Add("s2", "m2", time.Minute)
	if a.PendingCount("s1") != 1 || a.PendingCount("s2") != 1 {
		t.Fatal("messages not buffered")
	}

	a.FlushAll()
	if len(c.get("s1")) != 1 || len(c.get("s2")) != 1 {
		t.Fatalf("FlushAll delivered %v / %v", c.get("s1"), c.get("s2"))
	}
}

func TestStopDropsPending(t *testing.T) {
	c := newCapture()
	a := NewAccumulator(c.flush)

	a.Add("s1", "m1", 20*time.Millisecond)
	a.Stop()
	a.Add("s1", "m2", 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	if got := c.get("s1"); len(got) != 0 {
		t.Fatalf("flush ran after Stop: %v", got)
	}
}
