// Package transfer performs the outbound upload of a batch with progress
// reporting and cooperative cancellation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/models"
)

// ErrTransferCancelled is returned by Wait when the user aborted the transfer.
// It is distinct from TransferError: nothing is surfaced to the user beyond
// returning to the selection phase.
var ErrTransferCancelled = errors.New("transfer cancelled")

// TransferError wraps any network or server failure during upload. No records
// are created and the batch must be resubmitted.
type TransferError struct {
	BatchID string
	Cause   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of batch %s failed: %v", e.BatchID, e.Cause)
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// TaskState represents the current state of a transfer.
type TaskState string

const (
	TaskQueued    TaskState = "queued"    // Created, upload not started
	TaskActive    TaskState = "active"    // Bytes are moving
	TaskCompleted TaskState = "completed" // Server returned provisional records
	TaskFailed    TaskState = "failed"    // Failed with error
	TaskCancelled TaskState = "cancelled" // Cancelled by user
)

// IsTerminal returns true for completed, failed and cancelled.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Progress is one progress report for a transfer.
type Progress struct {
	BatchID    string
	BytesSent  int64
	BytesTotal int64
	Fraction   float64 // 0.0 to 1.0 of the transfer
	Percent    float64 // Fraction scaled onto the 0-100 batch scale
	Speed      float64 // bytes/sec, EMA smoothed
}

// ScalePercent maps a transfer fraction onto the batch scale, where the
// transfer owns the first half.
func ScalePercent(fraction float64) float64 {
	return fraction * constants.TransferProgressShare
}

// Transfer is the handle for one in-flight batch upload.
// Thread-safe: Use the provided methods to read state.
type Transfer struct {
	batch *models.UploadBatch

	mu        sync.RWMutex
	state     TaskState
	progress  Progress
	records   []models.ValidationRecord
	err       error
	cancelled bool

	// Speed calculation internals (for EMA smoothing)
	lastBytes      int64
	lastUpdateTime time.Time

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
}

func newTransfer(parent context.Context, batch *models.UploadBatch) *Transfer {
	ctx, cancel := context.WithCancel(parent)
	return &Transfer{
		batch:     batch,
		state:     TaskQueued,
		progress:  Progress{BatchID: batch.ID, BytesTotal: batch.TotalBytes()},
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// BatchID returns the id of the batch being transferred.
func (t *Transfer) BatchID() string {
	return t.batch.ID
}

// Batch returns the batch being transferred.
func (t *Transfer) Batch() *models.UploadBatch {
	return t.batch
}

// State returns the current state (thread-safe).
func (t *Transfer) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Progress returns the latest progress report (thread-safe).
func (t *Transfer) Progress() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Cancel aborts the underlying network operation. Calling it more than once,
// or after the transfer finished, is a no-op.
func (t *Transfer) Cancel() {
	t.cancelOnce.Do(func() {
		t.mu.Lock()
		if !t.state.IsTerminal() {
			t.cancelled = true
		}
		t.mu.Unlock()
		t.cancel()
	})
}

// Done is closed once the transfer reached a terminal state.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer finishes. On success it returns the
// provisional records; otherwise ErrTransferCancelled or a *TransferError.
func (t *Transfer) Wait() ([]models.ValidationRecord, error) {
	<-t.done
	return t.Result()
}

// Result returns the outcome without blocking. Before Done is closed it
// returns (nil, nil).
func (t *Transfer) Result() ([]models.ValidationRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.err != nil {
		return nil, t.err
	}
	out := make([]models.ValidationRecord, len(t.records))
	for i, r := range t.records {
		out[i] = r.Clone()
	}
	if !t.state.IsTerminal() {
		return nil, nil
	}
	return out, nil
}

// update records bytes sent and returns the resulting progress report.
func (t *Transfer) update(sent, total int64) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskQueued {
		t.state = TaskActive
		t.StartedAt = time.Now()
	}

	if total <= 0 {
		total = t.progress.BytesTotal
	}
	fraction := 1.0
	if total > 0 {
		fraction = float64(sent) / float64(total)
	}
	if fraction > 1 {
		fraction = 1
	}

	now := time.Now()
	if t.lastBytes == 0 && sent > 0 {
		t.lastUpdateTime = now
		t.lastBytes = sent
	} else if sent > t.lastBytes {
		// Need at least 100ms between samples for a meaningful rate
		if elapsed := now.Sub(t.lastUpdateTime).Seconds(); elapsed > 0.1 {
			instantRate := float64(sent-t.lastBytes) / elapsed
			const speedSmoothingAlpha = 0.25
			if t.progress.Speed > 0 {
				t.progress.Speed = speedSmoothingAlpha*instantRate + (1-speedSmoothingAlpha)*t.progress.Speed
			} else {
				t.progress.Speed = instantRate
			}
			t.lastBytes = sent
			t.lastUpdateTime = now
		}
	}

	t.progress.BytesSent = sent
	t.progress.BytesTotal = total
	t.progress.Fraction = fraction
	t.progress.Percent = ScalePercent(fraction)
	return t.progress
}

// finish commits the outcome. A cancel requested before this point wins and
// any records the server returned are discarded. Done stays open until
// release is called.
func (t *Transfer) finish(records []models.ValidationRecord, err error) (TaskState, Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.CompletedAt = time.Now()
	switch {
	case t.cancelled:
		t.state = TaskCancelled
		t.err = ErrTransferCancelled
	case err != nil:
		t.state = TaskFailed
		t.err = &TransferError{BatchID: t.batch.ID, Cause: err}
	default:
		t.state = TaskCompleted
		t.records = records
		t.progress.BytesSent = t.progress.BytesTotal
		t.progress.Fraction = 1
		t.progress.Percent = ScalePercent(1)
	}
	return t.state, t.progress
}

func (t *Transfer) release() {
	close(t.done)
	t.cancel()
}
