// Package registry holds the authoritative in-memory collection of
// validation records for the current session.
//
// Every mutation goes through Seed or Update, which enforce that a record
// leaves Pending at most once. The registry keeps its own lock so read-only
// callers (snapshot, UI renderers) may query it from any goroutine, but the
// tracker serializes all writes through its control loop.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rescale/rescale-assets/internal/models"
)

var (
	// ErrRecordNotFound is returned for ids that were never seeded.
	ErrRecordNotFound = errors.New("record not found")

	// ErrTerminalRecord is returned when a patch targets a record that
	// already left Pending and may no longer change that way.
	ErrTerminalRecord = errors.New("record status is final")

	// ErrInvalidTransition is returned for status changes outside
	// Pending -> {Valid, Invalid, Error, Cancelled}.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Patch is a partial update. Nil fields are preserved.
type Patch struct {
	Status        *models.Status
	Name          *string
	Description   *string
	Fields        *models.ValidationFields
	ErrorMessages []string
}

// Registry maps record id to record, remembering seed order.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.ValidationRecord
	order   []string
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty registry stamping UpdatedAt with now.
func NewWithClock(now func() time.Time) *Registry {
	return &Registry{
		records: make(map[string]*models.ValidationRecord),
		now:     now,
	}
}

// Seed merges records into the registry by id and returns the ids it
// introduced. An id already present is left untouched, so re-seeding a record
// never resets a terminal status back to Pending.
func (r *Registry) Seed(records []models.ValidationRecord) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, exists := r.records[rec.ID]; exists {
			continue
		}
		c := rec.Clone()
		if c.Status == "" {
			c.Status = models.StatusPending
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = r.now()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = c.UpdatedAt
		}
		r.records[c.ID] = &c
		r.order = append(r.order, c.ID)
		added = append(added, c.ID)
	}
	return added
}

// Get returns a copy of the record with id.
func (r *Registry) Get(id string) (models.ValidationRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return models.ValidationRecord{}, false
	}
	return rec.Clone(), true
}

// All returns copies of every record in seed order.
func (r *Registry) All() []models.ValidationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ValidationRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// Len returns the number of tracked records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Update merges patch into the record with id and returns the previous and
// resulting record. A status change is only accepted from Pending to a
// terminal status. Once terminal a record is frozen, except that name and
// description of a Valid record may still change.
func (r *Registry) Update(id string, patch Patch) (before, after models.ValidationRecord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return before, after, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	before = rec.Clone()

	if rec.Status.IsTerminal() {
		if patch.Fields != nil || patch.ErrorMessages != nil {
			return before, before, fmt.Errorf("%w: %s is %s", ErrTerminalRecord, id, rec.Status)
		}
		if (patch.Name != nil || patch.Description != nil) && rec.Status != models.StatusValid {
			return before, before, fmt.Errorf("%w: %s is %s, only Valid records can be edited", ErrTerminalRecord, id, rec.Status)
		}
	}

	if patch.Status != nil && *patch.Status != rec.Status {
		next := *patch.Status
		if rec.Status.IsTerminal() {
			return before, before, fmt.Errorf("%w: %s is %s", ErrTerminalRecord, id, rec.Status)
		}
		if !next.Known() || !next.IsTerminal() {
			return before, before, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, next)
		}
		rec.Status = next
	}
	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Fields != nil {
		rec.Fields = patch.Fields.Clone()
	}
	if patch.ErrorMessages != nil {
		rec.ErrorMessages = append([]string(nil), patch.ErrorMessages...)
	}
	rec.UpdatedAt = r.now()

	return before, rec.Clone(), nil
}

// IsAllTerminal reports whether no tracked record is Pending. An empty
// registry is all-terminal.
func (r *Registry) IsAllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Status == models.StatusPending {
			return false
		}
	}
	return true
}

// Pending returns the ids among ids (or all ids when none are given) whose
// record is still Pending, in seed order.
func (r *Registry) Pending(ids ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	if len(ids) == 0 {
		ids = r.order
	}
	for _, id := range ids {
		if rec, ok := r.records[id]; ok && rec.Status == models.StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// Counts returns the number of records per status.
func (r *Registry) Counts() map[models.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[models.Status]int)
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	return counts
}
