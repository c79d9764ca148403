// Package sentinel implements the validation deadline: one countdown per
// seeding event, covering exactly the records that event introduced.
//
// A Sentinel never touches the registry. On expiry it hands itself to the
// callback, which runs on the timer goroutine; the tracker forwards it into
// its control loop and fails whatever is still Pending there.
package sentinel

import (
	"sync"
	"time"

	"github.com/rescale/rescale-assets/internal/clock"
)

// Sentinel is a single countdown over a fixed set of record ids.
type Sentinel struct {
	seq      uint64
	batchID  string
	ids      []string
	deadline time.Time

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
	fired   bool
}

// Seq is unique per Set and increases with every sentinel started.
func (s *Sentinel) Seq() uint64 { return s.seq }

// BatchID returns the batch whose seeding started this sentinel.
func (s *Sentinel) BatchID() string { return s.batchID }

// IDs returns the governed record ids.
func (s *Sentinel) IDs() []string {
	return append([]string(nil), s.ids...)
}

// Deadline returns when the sentinel fires.
func (s *Sentinel) Deadline() time.Time { return s.deadline }

// Stop cancels the countdown. It returns false if the sentinel already fired
// or was already stopped.
func (s *Sentinel) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.fired {
		return false
	}
	s.stopped = true
	s.timer.Stop()
	return true
}

// Active reports whether the sentinel is still counting down.
func (s *Sentinel) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && !s.fired
}

func (s *Sentinel) fire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.fired {
		return false
	}
	s.fired = true
	return true
}

// Set owns the sentinels of one tracker.
type Set struct {
	clock    clock.Clock
	timeout  time.Duration
	onExpire func(*Sentinel)

	mu     sync.Mutex
	seq    uint64
	active map[uint64]*Sentinel
}

// NewSet creates a Set whose sentinels run for timeout and call onExpire
// when they fire.
func NewSet(clk clock.Clock, timeout time.Duration, onExpire func(*Sentinel)) *Set {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Set{
		clock:    clk,
		timeout:  timeout,
		onExpire: onExpire,
		active:   make(map[uint64]*Sentinel),
	}
}

// Start begins a countdown over ids. It returns nil when ids is empty, so
// re-seeding already tracked records never starts a new sentinel.
func (s *Set) Start(batchID string, ids []string) *Sentinel {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	s.seq++
	sn := &Sentinel{
		seq:      s.seq,
		batchID:  batchID,
		ids:      append([]string(nil), ids...),
		deadline: s.clock.Now().Add(s.timeout),
	}
	s.active[sn.seq] = sn
	s.mu.Unlock()

	// Hold the sentinel lock so a zero timeout cannot fire before timer is set
	sn.mu.Lock()
	sn.timer = s.clock.AfterFunc(s.timeout, func() { s.expire(sn) })
	sn.mu.Unlock()
	return sn
}

func (s *Set) expire(sn *Sentinel) {
	if !sn.fire() {
		return
	}
	s.mu.Lock()
	delete(s.active, sn.seq)
	s.mu.Unlock()

	if s.onExpire != nil {
		s.onExpire(sn)
	}
}

// StopSettled stops every sentinel whose ids are all settled and returns how
// many were stopped.
func (s *Set) StopSettled(settled func(id string) bool) int {
	s.mu.Lock()
	var done []*Sentinel
	for seq, sn := range s.active {
		all := true
		for _, id := range sn.ids {
			if !settled(id) {
				all = false
				break
			}
		}
		if all {
			done = append(done, sn)
			delete(s.active, seq)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, sn := range done {
		if sn.Stop() {
			n++
		}
	}
	return n
}

// StopAll stops every active sentinel.
func (s *Set) StopAll() int {
	return s.StopSettled(func(string) bool { return true })
}

// Active returns the number of sentinels still counting down.
func (s *Set) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Timeout returns the countdown duration.
func (s *Set) Timeout() time.Duration {
	return s.timeout
}
