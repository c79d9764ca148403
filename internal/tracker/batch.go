package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/transfer"
	"github.com/rescale/rescale-assets/internal/validation"
)

// BatchHandle follows one submitted batch through transfer and validation.
type BatchHandle struct {
	ID   string
	Kind models.AssetKind

	transfer  *transfer.Transfer
	startedAt time.Time
	done      chan struct{}

	seeded bool // loop-owned

	mu  sync.Mutex
	ids []string
	err error
}

// Transfer returns the underlying transfer handle.
func (h *BatchHandle) Transfer() *transfer.Transfer {
	return h.transfer
}

// Progress returns the latest transfer progress.
func (h *BatchHandle) Progress() transfer.Progress {
	return h.transfer.Progress()
}

// TransferDone is closed when the upload itself finished.
func (h *BatchHandle) TransferDone() <-chan struct{} {
	return h.transfer.Done()
}

// Done is closed when the batch is over: the transfer failed or was
// cancelled, or every record it produced is terminal.
func (h *BatchHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns ErrTransferCancelled, a *transfer.TransferError, or nil.
func (h *BatchHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// RecordIDs returns the ids of the records the batch produced.
func (h *BatchHandle) RecordIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

// Wait blocks until Done or ctx ends and returns Err.
func (h *BatchHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartBatch validates batch and starts uploading it. A selection problem is
// returned as *validation.SelectionError before anything is sent.
func (t *Tracker) StartBatch(ctx context.Context, batch *models.UploadBatch) (*BatchHandle, error) {
	if batch == nil {
		return nil, &validation.SelectionError{Reason: validation.ReasonEmpty}
	}
	if err := validation.ValidateBatch(batch); err != nil {
		return nil, err
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}

	// The loop answers promptly, so only the closure checks ctx. A caller that
	// gives up after the transfer started would otherwise lose its handle.
	var h *BatchHandle
	err := t.do(context.Background(), func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.current != nil {
			return ErrTransferInProgress
		}
		h = &BatchHandle{
			ID:        batch.ID,
			Kind:      batch.Kind,
			startedAt: t.clock.Now(),
			done:      make(chan struct{}),
		}
		t.current = h
		t.transferring.Store(true)
		t.open[h.ID] = h
		h.transfer = t.transfers.Submit(t.runCtx, batch, t.publishProgress)

		go func(tr *transfer.Transfer) {
			<-tr.Done()
			t.post(func() { t.onTransferDone(h) })
		}(h.transfer)

		t.logger.Info().Str("batch_id", h.ID).Str("kind", string(batch.Kind)).
			Int("files", len(batch.Files)).Msg("batch submitted")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CancelBatch aborts the in-flight transfer. With no transfer in flight it
// cancels every Pending record instead.
func (t *Tracker) CancelBatch(ctx context.Context) error {
	return t.do(ctx, func() error {
		if t.current != nil {
			t.current.transfer.Cancel()
			t.logger.Info().Str("batch_id", t.current.ID).Msg("transfer cancel requested")
			return nil
		}
		for _, id := range t.reg.Pending() {
			if err := t.cancelRecord(id); err != nil {
				return err
			}
		}
		t.afterMutation()
		return nil
	})
}

func (t *Tracker) publishProgress(p transfer.Progress) {
	t.bus.Publish(&events.TransferEvent{
		BaseEvent:  events.BaseEvent{EventType: events.EventTransferProgress, Time: time.Now()},
		BatchID:    p.BatchID,
		BytesSent:  p.BytesSent,
		BytesTotal: p.BytesTotal,
		Fraction:   p.Fraction,
		Percent:    p.Percent,
	})
}

func (t *Tracker) publishTransfer(eventType events.EventType, h *BatchHandle, err error) {
	p := h.transfer.Progress()
	t.bus.Publish(&events.TransferEvent{
		BaseEvent:  events.BaseEvent{EventType: eventType, Time: time.Now()},
		BatchID:    h.ID,
		BytesSent:  p.BytesSent,
		BytesTotal: p.BytesTotal,
		Fraction:   p.Fraction,
		Percent:    p.Percent,
		Error:      err,
	})
}

// onTransferDone seeds the registry from a finished transfer.
func (t *Tracker) onTransferDone(h *BatchHandle) {
	current := t.current == h
	if current {
		t.current = nil
	}

	records, err := h.transfer.Result()
	if err != nil {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		delete(t.open, h.ID)
		if current {
			t.transferring.Store(false)
		}

		if errors.Is(err, transfer.ErrTransferCancelled) {
			t.publishTransfer(events.EventTransferCancelled, h, nil)
		} else {
			t.publishTransfer(events.EventTransferFailed, h, err)
		}
		close(h.done)
		return
	}

	t.publishTransfer(events.EventTransferCompleted, h, nil)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	h.mu.Lock()
	h.ids = ids
	h.mu.Unlock()
	h.seeded = true

	// The flag drops only after seeding, so IsComplete never sees the gap
	// between a finished transfer and its records.
	t.seed(h.ID, records)
	if current {
		t.transferring.Store(false)
	}
	t.afterMutation()
}

// seed adds records and arms one sentinel over those this event introduced.
func (t *Tracker) seed(batchID string, records []models.ValidationRecord) {
	added := t.reg.Seed(records)
	if len(added) == 0 {
		return
	}
	for _, id := range added {
		t.batchOf[id] = batchID
		if rec, ok := t.reg.Get(id); ok {
			t.bus.PublishRecord(events.EventRecordSeeded, batchID, rec.Status, rec)
		}
	}

	for _, res := range t.rc.OnSeeded(added) {
		t.logger.Debug().Str("record_id", res.ID).Str("status", string(res.After.Status)).Msg("replayed early status update")
		t.publishRecord(res.Before.Status, res.After)
	}

	if pending := t.reg.Pending(added...); len(pending) > 0 {
		sn := t.sentinels.Start(batchID, pending)
		t.logger.Debug().Str("batch_id", batchID).Int("records", len(pending)).
			Time("deadline", sn.Deadline()).Msg("validation sentinel armed")
	}
	t.logger.Info().Str("batch_id", batchID).Int("records", len(added)).Msg("records seeded")
}

// afterMutation stops settled sentinels and completes finished batches.
func (t *Tracker) afterMutation() {
	t.sentinels.StopSettled(func(id string) bool {
		rec, ok := t.reg.Get(id)
		return !ok || rec.Status.IsTerminal()
	})
	if t.reg.IsAllTerminal() {
		t.sentinels.StopAll()
	}

	for id, h := range t.open {
		if !h.seeded {
			continue
		}
		ids := h.RecordIDs()
		if len(ids) > 0 && len(t.reg.Pending(ids...)) > 0 {
			continue
		}
		delete(t.open, id)
		t.completeBatch(h, ids)
	}
}

func (t *Tracker) completeBatch(h *BatchHandle, ids []string) {
	ev := &events.BatchCompleteEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventBatchComplete, Time: time.Now()},
		BatchID:   h.ID,
		Duration:  t.clock.Now().Sub(h.startedAt),
	}
	for _, id := range ids {
		rec, ok := t.reg.Get(id)
		if !ok {
			continue
		}
		switch rec.Status {
		case models.StatusValid:
			ev.Valid++
		case models.StatusInvalid:
			ev.Invalid++
		case models.StatusError:
			ev.Failed++
		case models.StatusCancelled:
			ev.Cancelled++
		}
	}
	t.bus.Publish(ev)
	t.logger.Info().Str("batch_id", h.ID).Int("valid", ev.Valid).Int("invalid", ev.Invalid).
		Int("failed", ev.Failed).Int("cancelled", ev.Cancelled).Msg("batch complete")
	close(h.done)
}
