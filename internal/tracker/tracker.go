// Package tracker is the upload and validation job tracker.
//
// Every registry mutation happens on one control loop. The transfer
// goroutine, the status-update stream and the sentinels post discrete
// messages into an ordered inbox that Run consumes; client calls such as
// CancelRecord are posted the same way and wait for their result.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-assets/internal/clock"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/metadata"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/reconcile"
	"github.com/rescale/rescale-assets/internal/registry"
	"github.com/rescale/rescale-assets/internal/sentinel"
	"github.com/rescale/rescale-assets/internal/transfer"
)

var (
	// ErrTransferInProgress is returned by StartBatch while another batch is
	// still uploading.
	ErrTransferInProgress = errors.New("a transfer is already in progress")

	// ErrRecordNotPending is returned when cancelling a record that already
	// reached Valid, Invalid or Error.
	ErrRecordNotPending = errors.New("record is not pending")

	// ErrStopped is returned by calls made after Run returned.
	ErrStopped = errors.New("tracker stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("tracker already running")
)

// Stream is the status-update subscription. Run delivers updates on out
// until ctx is done; it is not expected to return otherwise.
type Stream interface {
	Run(ctx context.Context, out chan<- models.StatusUpdate) error
}

// Endpoint is the metadata-update collaborator, including the cancellation
// confirmation call.
type Endpoint interface {
	metadata.Endpoint
	CancelValidation(ctx context.Context, id string) error
}

// Options configures a Tracker. Uploader and Endpoint are required.
type Options struct {
	Uploader transfer.Uploader
	Endpoint Endpoint
	Stream   Stream // nil disables the stream; only the sentinel resolves records
	Clock    clock.Clock
	Timeout  time.Duration // validation timeout, default constants.ValidationTimeout
	Logger   *logging.Logger
	Events   *events.EventBus
}

// Tracker owns the registry of one session.
type Tracker struct {
	endpoint  Endpoint
	stream    Stream
	clock     clock.Clock
	logger    *logging.Logger
	bus       *events.EventBus
	reg       *registry.Registry
	rc        *reconcile.Reconciler
	sentinels *sentinel.Set
	transfers *transfer.Manager
	editor    *metadata.Editor

	inbox   chan func()
	stopped chan struct{}
	running atomic.Bool
	runCtx  context.Context

	// transferring is readable off-loop; current and the maps below are loop-owned.
	transferring atomic.Bool
	current      *BatchHandle
	open         map[string]*BatchHandle
	batchOf      map[string]string

	cancels sync.WaitGroup
}

// New creates a tracker. Call Run to start its control loop.
func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.ValidationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultCLILogger()
	}
	if opts.Events == nil {
		opts.Events = events.NewEventBus(constants.EventBusDefaultBuffer)
	}

	t := &Tracker{
		endpoint: opts.Endpoint,
		stream:   opts.Stream,
		clock:    opts.Clock,
		logger:   opts.Logger,
		bus:      opts.Events,
		reg:      registry.NewWithClock(opts.Clock.Now),
		inbox:    make(chan func(), constants.InboxSize),
		stopped:  make(chan struct{}),
		runCtx:   context.Background(),
		open:     make(map[string]*BatchHandle),
		batchOf:  make(map[string]string),
	}
	t.rc = reconcile.New(t.reg, opts.Clock, opts.Timeout, constants.MaxBufferedUpdates)
	t.sentinels = sentinel.NewSet(opts.Clock, opts.Timeout, func(sn *sentinel.Sentinel) {
		t.post(func() { t.handleExpiry(sn) })
	})
	t.transfers = transfer.NewManager(opts.Uploader, opts.Logger)
	t.editor = metadata.NewEditor(loopStore{t}, opts.Endpoint, opts.Logger)
	return t
}

// Events returns the bus the tracker publishes on.
func (t *Tracker) Events() *events.EventBus {
	return t.bus
}

// Run consumes the inbox until ctx is done. On return every sentinel is
// stopped, in-flight transfers are aborted and outstanding cancellation
// calls are given up to constants.CancelCallTimeout to finish.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Loop closures read runCtx; it is set before the first one runs
	t.runCtx = ctx

	updates := make(chan models.StatusUpdate, constants.StreamUpdateBuffer)
	var streamErr chan error
	if t.stream != nil {
		streamErr = make(chan error, 1)
		go func() { streamErr <- t.stream.Run(ctx, updates) }()
	}

	t.logger.Debug().Dur("timeout", t.sentinels.Timeout()).Msg("tracker started")
	defer t.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-t.inbox:
			fn()
		case u := <-updates:
			t.handleUpdate(u)
		case err := <-streamErr:
			if err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("status-update stream ended")
			}
			streamErr = nil
		}
	}
}

func (t *Tracker) shutdown() {
	close(t.stopped)
	if n := t.sentinels.StopAll(); n > 0 {
		t.logger.Debug().Int("sentinels", n).Msg("stopped sentinels on shutdown")
	}

	done := make(chan struct{})
	go func() {
		t.cancels.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.CancelCallTimeout):
		t.logger.Warn().Msg("gave up waiting for cancellation calls")
	}
}

// post queues fn on the loop. It is dropped once the loop stopped.
func (t *Tracker) post(fn func()) {
	select {
	case t.inbox <- fn:
	case <-t.stopped:
	}
}

// do runs fn on the loop and waits for its result.
func (t *Tracker) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case t.inbox <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// Snapshot returns a copy of every tracked record in seed order.
func (t *Tracker) Snapshot() []models.ValidationRecord {
	return t.reg.All()
}

// Get returns a copy of one record.
func (t *Tracker) Get(id string) (models.ValidationRecord, bool) {
	return t.reg.Get(id)
}

// IsComplete reports whether no transfer is in flight and no record is Pending.
func (t *Tracker) IsComplete() bool {
	return !t.transferring.Load() && t.reg.IsAllTerminal()
}

// Summary counts tracked records by status.
type Summary struct {
	Total     int
	Pending   int
	Valid     int
	Invalid   int
	Error     int
	Cancelled int
}

// Summary returns the current counts.
func (t *Tracker) Summary() Summary {
	c := t.reg.Counts()
	return Summary{
		Total:     t.reg.Len(),
		Pending:   c[models.StatusPending],
		Valid:     c[models.StatusValid],
		Invalid:   c[models.StatusInvalid],
		Error:     c[models.StatusError],
		Cancelled: c[models.StatusCancelled],
	}
}

// Restore seeds records carried over from an earlier session. Records still
// Pending get a fresh sentinel. Call it before Run.
func (t *Tracker) Restore(records []models.ValidationRecord) int {
	added := t.reg.Seed(records)
	if len(added) == 0 {
		return 0
	}
	if pending := t.reg.Pending(added...); len(pending) > 0 {
		t.sentinels.Start("", pending)
	}
	t.logger.Debug().Int("records", len(added)).Msg("restored records")
	return len(added)
}

// loopStore routes editor writes through the control loop.
type loopStore struct {
	t *Tracker
}

func (s loopStore) Get(id string) (models.ValidationRecord, bool) {
	return s.t.reg.Get(id)
}

func (s loopStore) Update(id string, patch registry.Patch) (before, after models.ValidationRecord, err error) {
	err = s.t.do(context.Background(), func() error {
		var uerr error
		before, after, uerr = s.t.reg.Update(id, patch)
		if uerr == nil {
			s.t.publishRecord(before.Status, after)
		}
		return uerr
	})
	return before, after, err
}
