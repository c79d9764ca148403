package tracker

import (
	"context"
	"fmt"

	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/reconcile"
	"github.com/rescale/rescale-assets/internal/registry"
	"github.com/rescale/rescale-assets/internal/sentinel"
)

func (t *Tracker) publishRecord(oldStatus models.Status, rec models.ValidationRecord) {
	t.bus.PublishRecord(events.EventRecordState, t.batchOf[rec.ID], oldStatus, rec)
}

func (t *Tracker) handleUpdate(u models.StatusUpdate) {
	res := t.rc.Apply(u)
	switch res.Outcome {
	case reconcile.Applied:
		t.logger.Info().Str("record_id", res.ID).Str("status", string(res.After.Status)).Msg("record validated")
		t.publishRecord(res.Before.Status, res.After)
		t.afterMutation()
	case reconcile.Rejected:
		t.logger.Warn().Err(res.Err).Str("record_id", res.ID).Msg("status update rejected")
	default:
		t.logger.Debug().Str("record_id", res.ID).Str("outcome", res.Outcome.String()).Msg("status update ignored")
	}
}

// handleExpiry fails every governed record still Pending and asks the
// server to stop validating it.
func (t *Tracker) handleExpiry(sn *sentinel.Sentinel) {
	pending := t.reg.Pending(sn.IDs()...)
	if len(pending) == 0 {
		return
	}
	t.logger.Warn().Str("batch_id", sn.BatchID()).Int("records", len(pending)).Msg("validation timed out")

	status := models.StatusError
	for _, id := range pending {
		before, after, err := t.reg.Update(id, registry.Patch{
			Status:        &status,
			ErrorMessages: []string{models.TimeoutMessage},
		})
		if err != nil {
			t.logger.Debug().Err(err).Str("record_id", id).Msg("timeout skipped record")
			continue
		}
		t.publishRecord(before.Status, after)
		t.requestCancel(id)
	}
	t.afterMutation()
}

// requestCancel issues the best-effort cancellation call. Its outcome never
// changes local state.
func (t *Tracker) requestCancel(id string) {
	if t.endpoint == nil {
		return
	}
	parent := context.WithoutCancel(t.runCtx)
	batchID := t.batchOf[id]
	t.cancels.Add(1)
	go func() {
		defer t.cancels.Done()
		ctx, cancel := context.WithTimeout(parent, constants.CancelCallTimeout)
		defer cancel()
		if err := t.endpoint.CancelValidation(ctx, id); err != nil {
			t.logger.Warn().Err(err).Str("batch_id", batchID).Str("record_id", id).Msg("cancellation call failed")
		}
	}()
}

// CancelRecord marks a Pending record Cancelled and sends the confirmation
// call. Cancelling an already Cancelled record is a no-op.
func (t *Tracker) CancelRecord(ctx context.Context, id string) error {
	return t.do(ctx, func() error {
		if err := t.cancelRecord(id); err != nil {
			return err
		}
		t.afterMutation()
		return nil
	})
}

func (t *Tracker) cancelRecord(id string) error {
	rec, ok := t.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrRecordNotFound, id)
	}
	switch rec.Status {
	case models.StatusCancelled:
		return nil
	case models.StatusPending:
	default:
		return fmt.Errorf("%w: %s is %s", ErrRecordNotPending, id, rec.Status)
	}

	status := models.StatusCancelled
	before, after, err := t.reg.Update(id, registry.Patch{Status: &status})
	if err != nil {
		return err
	}
	t.logger.Info().Str("record_id", id).Msg("record cancelled")
	t.publishRecord(before.Status, after)
	t.requestCancel(id)
	return nil
}

// RenameRecord renames a Valid record. A name collision returns
// *metadata.NameConflictError and leaves the record as it was.
func (t *Tracker) RenameRecord(ctx context.Context, id, name string) (models.ValidationRecord, error) {
	return t.editor.Rename(ctx, id, name)
}

// DescribeRecord replaces a Valid record's description.
func (t *Tracker) DescribeRecord(ctx context.Context, id, text string) (models.ValidationRecord, error) {
	return t.editor.Describe(ctx, id, text)
}
