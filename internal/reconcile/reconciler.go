// Package reconcile applies status-update stream events to the registry
// under the write-once-terminal policy.
package reconcile

import (
	"fmt"
	"time"

	"github.com/rescale/rescale-assets/internal/clock"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/registry"
)

// Outcome describes what Apply did with an event.
type Outcome int

const (
	// Applied moved a Pending record to Valid or Invalid.
	Applied Outcome = iota
	// IgnoredEcho was a Pending event for a known record.
	IgnoredEcho
	// IgnoredTerminal targeted a record that already left Pending.
	IgnoredTerminal
	// Buffered held a terminal event for an id not seeded yet.
	Buffered
	// Dropped discarded a Pending event for an unknown id.
	Dropped
	// Rejected discarded a malformed event.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case IgnoredEcho:
		return "ignored_echo"
	case IgnoredTerminal:
		return "ignored_terminal"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is returned for every event handled.
type Result struct {
	Outcome Outcome
	ID      string
	Before  models.ValidationRecord // zero unless Applied
	After   models.ValidationRecord // zero unless Applied
	Err     error                   // set when Rejected
}

type pendingEvent struct {
	update models.StatusUpdate
	at     time.Time
}

// Reconciler is not safe for concurrent use; the tracker loop owns it.
type Reconciler struct {
	reg      *registry.Registry
	clock    clock.Clock
	ttl      time.Duration
	capacity int

	early map[string]pendingEvent
	fifo  []string // arrival order of early, for eviction
}

// New creates a reconciler. Early events live for ttl (the validation
// timeout) and at most capacity of them are held.
func New(reg *registry.Registry, clk clock.Clock, ttl time.Duration, capacity int) *Reconciler {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = constants.ValidationTimeout
	}
	if capacity <= 0 {
		capacity = constants.MaxBufferedUpdates
	}
	return &Reconciler{
		reg:      reg,
		clock:    clk,
		ttl:      ttl,
		capacity: capacity,
		early:    make(map[string]pendingEvent),
	}
}

// Apply handles one stream event.
func (r *Reconciler) Apply(u models.StatusUpdate) Result {
	r.expire()

	if u.ID == "" {
		return Result{Outcome: Rejected, Err: fmt.Errorf("status update without id")}
	}
	switch u.Status {
	case models.StatusPending, models.StatusValid, models.StatusInvalid:
	default:
		return Result{Outcome: Rejected, ID: u.ID, Err: fmt.Errorf("stream status %q not accepted", u.Status)}
	}

	rec, ok := r.reg.Get(u.ID)
	if !ok {
		if u.Status == models.StatusPending {
			return Result{Outcome: Dropped, ID: u.ID}
		}
		r.hold(u)
		return Result{Outcome: Buffered, ID: u.ID}
	}

	return r.applyKnown(rec, u)
}

func (r *Reconciler) applyKnown(rec models.ValidationRecord, u models.StatusUpdate) Result {
	if rec.Status.IsTerminal() {
		return Result{Outcome: IgnoredTerminal, ID: u.ID}
	}
	if u.Status == models.StatusPending {
		return Result{Outcome: IgnoredEcho, ID: u.ID}
	}

	patch := registry.Patch{Status: &u.Status}
	switch u.Status {
	case models.StatusValid:
		patch.Fields = u.Fields
	case models.StatusInvalid:
		patch.ErrorMessages = u.ErrorMessages
		if patch.ErrorMessages == nil {
			patch.ErrorMessages = []string{}
		}
	}

	before, after, err := r.reg.Update(u.ID, patch)
	if err != nil {
		// Only reachable if the record changed under us; treat as terminal
		return Result{Outcome: IgnoredTerminal, ID: u.ID, Err: err}
	}
	return Result{Outcome: Applied, ID: u.ID, Before: before, After: after}
}

// hold buffers a terminal event. The first terminal event for an id wins,
// matching the write-once rule for seeded records.
func (r *Reconciler) hold(u models.StatusUpdate) {
	if _, exists := r.early[u.ID]; exists {
		return
	}
	for len(r.fifo) >= r.capacity {
		oldest := r.fifo[0]
		r.fifo = r.fifo[1:]
		delete(r.early, oldest)
	}
	r.early[u.ID] = pendingEvent{update: u, at: r.clock.Now()}
	r.fifo = append(r.fifo, u.ID)
}

// OnSeeded replays buffered events for ids just introduced to the registry.
// Only Applied results are returned.
func (r *Reconciler) OnSeeded(ids []string) []Result {
	r.expire()

	var out []Result
	for _, id := range ids {
		ev, ok := r.early[id]
		if !ok {
			continue
		}
		r.drop(id)
		rec, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		if res := r.applyKnown(rec, ev.update); res.Outcome == Applied {
			out = append(out, res)
		}
	}
	return out
}

// Buffered returns the number of early events held.
func (r *Reconciler) Buffered() int {
	r.expire()
	return len(r.early)
}

func (r *Reconciler) drop(id string) {
	delete(r.early, id)
	for i, v := range r.fifo {
		if v == id {
			r.fifo = append(r.fifo[:i], r.fifo[i+1:]...)
			break
		}
	}
}

// expire discards early events older than ttl. fifo is in arrival order,
// so expiry stops at the first entry still fresh.
func (r *Reconciler) expire() {
	now := r.clock.Now()
	n := 0
	for _, id := range r.fifo {
		if now.Sub(r.early[id].at) < r.ttl {
			break
		}
		delete(r.early, id)
		n++
	}
	if n > 0 {
		r.fifo = r.fifo[n:]
	}
}
