package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/metadata"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/testutil"
	"github.com/rescale/rescale-assets/internal/transfer"
	"github.com/rescale/rescale-assets/internal/validation"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	t   *testing.T
	tr  *Tracker
	clk *testutil.FakeClock
	up  *testutil.FakeUploader
	ep  *testutil.FakeEndpoint
	sub *testutil.FakeSubscriber
}

func newHarness(t *testing.T, up *testutil.FakeUploader) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		clk: testutil.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)),
		up:  up,
		ep:  testutil.NewFakeEndpoint(),
		sub: testutil.NewFakeSubscriber(),
	}
	h.tr = New(Options{
		Uploader: up,
		Endpoint: h.ep,
		Stream:   h.sub,
		Clock:    h.clk,
		Timeout:  60 * time.Second,
		Logger:   logging.NewNopLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func batchOf(names ...string) *models.UploadBatch {
	b := &models.UploadBatch{Kind: models.KindDataset}
	for _, n := range names {
		b.Files = append(b.Files, models.FileHandle{Path: "/data/" + n, RelPath: n, Size: 10})
	}
	return b
}

// sync waits until every message posted so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.tr.do(context.Background(), func() error { return nil }))
}

func (h *harness) start(names ...string) *BatchHandle {
	h.t.Helper()
	bh, err := h.tr.StartBatch(context.Background(), batchOf(names...))
	require.NoError(h.t, err)
	select {
	case <-bh.TransferDone():
	case <-time.After(waitFor):
		h.t.Fatal("transfer did not finish")
	}
	require.Eventually(h.t, func() bool { return len(bh.RecordIDs()) > 0 || bh.Err() != nil }, waitFor, tick)
	h.sync()
	return bh
}

func (h *harness) status(id string) models.Status {
	h.t.Helper()
	rec, ok := h.tr.Get(id)
	require.True(h.t, ok, "record %s not tracked", id)
	return rec.Status
}

func (h *harness) waitStatus(id string, want models.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		rec, ok := h.tr.Get(id)
		return ok && rec.Status == want
	}, waitFor, tick, "record %s never became %s", id, want)
}

func (h *harness) expire(d time.Duration) {
	h.t.Helper()
	h.clk.Advance(d)
	h.sync()
}

func TestScenario_ValidInvalidTimeout(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	complete := h.tr.Events().Subscribe(events.EventBatchComplete)

	bh := h.start("a.csv", "b.csv", "c.csv")
	require.Len(t, h.tr.Snapshot(), 3)
	for _, rec := range h.tr.Snapshot() {
		assert.Equal(t, models.StatusPending, rec.Status)
	}

	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid, Fields: &models.ValidationFields{Format: "csv"}})
	h.sub.Push(models.StatusUpdate{ID: "rec-b.csv", Status: models.StatusInvalid, ErrorMessages: []string{"bad header"}})
	h.waitStatus("rec-a.csv", models.StatusValid)
	h.waitStatus("rec-b.csv", models.StatusInvalid)

	h.expire(59 * time.Second)
	assert.Equal(t, models.StatusPending, h.status("rec-c.csv"))
	assert.False(t, h.tr.IsComplete())

	h.expire(time.Second)
	c, _ := h.tr.Get("rec-c.csv")
	assert.Equal(t, models.StatusError, c.Status)
	assert.True(t, c.TimedOut())
	assert.Equal(t, models.StatusValid, h.status("rec-a.csv"))
	assert.Equal(t, models.StatusInvalid, h.status("rec-b.csv"))

	require.Eventually(t, func() bool { return len(h.ep.CancelCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"rec-c.csv"}, h.ep.CancelCalls())

	select {
	case <-bh.Done():
	case <-time.After(waitFor):
		t.Fatal("batch never completed")
	}
	assert.NoError(t, bh.Err())
	assert.True(t, h.tr.IsComplete())

	ev := (<-complete).(*events.BatchCompleteEvent)
	assert.Equal(t, 1, ev.Valid)
	assert.Equal(t, 1, ev.Invalid)
	assert.Equal(t, 1, ev.Failed)
	assert.Equal(t, 60*time.Second, ev.Duration)

	// a late stream event cannot revive the timed-out record
	h.sub.Push(models.StatusUpdate{ID: "rec-c.csv", Status: models.StatusValid})
	assert.Never(t, func() bool {
		rec, _ := h.tr.Get("rec-c.csv")
		return rec.Status != models.StatusError
	}, 100*time.Millisecond, tick)
}

func TestStartBatch_SelectionErrorBeforeNetwork(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	names := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}

	_, err := h.tr.StartBatch(context.Background(), batchOf(names...))
	var se *validation.SelectionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, validation.ReasonTooManyFiles, se.Reason)

	assert.Empty(t, h.up.Calls())
	assert.Empty(t, h.tr.Snapshot())
	assert.True(t, h.tr.IsComplete())
}

func TestRename_ConflictKeepsName(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv")
	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid})
	h.waitStatus("rec-a.csv", models.StatusValid)

	h.ep.Take("quarterly")
	_, err := h.tr.RenameRecord(context.Background(), "rec-a.csv", "quarterly")

	var conflict *metadata.NameConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "quarterly", conflict.AttemptedName)

	rec, _ := h.tr.Get("rec-a.csv")
	assert.Equal(t, "a.csv", rec.Name)
	assert.Equal(t, models.StatusValid, rec.Status)

	renamed, err := h.tr.RenameRecord(context.Background(), "rec-a.csv", "annual")
	require.NoError(t, err)
	assert.Equal(t, "annual", renamed.Name)
	assert.Equal(t, "annual", h.tr.Snapshot()[0].Name)

	described, err := h.tr.DescribeRecord(context.Background(), "rec-a.csv", "FY26")
	require.NoError(t, err)
	assert.Equal(t, "FY26", described.Description)
	assert.Equal(t, models.StatusValid, described.Status)
}

func TestRename_PendingRecordRefused(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv")

	_, err := h.tr.RenameRecord(context.Background(), "rec-a.csv", "x")
	assert.ErrorIs(t, err, metadata.ErrNotValid)
	assert.Empty(t, h.ep.MetadataCalls())
}

func TestCancelRecord_Twice(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv", "b.csv")

	require.NoError(t, h.tr.CancelRecord(context.Background(), "rec-a.csv"))
	first := h.tr.Snapshot()
	require.NoError(t, h.tr.CancelRecord(context.Background(), "rec-a.csv"))
	assert.Equal(t, first, h.tr.Snapshot())

	assert.Equal(t, models.StatusCancelled, h.status("rec-a.csv"))
	require.Eventually(t, func() bool { return len(h.ep.CancelCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"rec-a.csv"}, h.ep.CancelCalls())

	// stream cannot override the local cancellation
	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid})
	h.sub.Push(models.StatusUpdate{ID: "rec-b.csv", Status: models.StatusValid})
	h.waitStatus("rec-b.csv", models.StatusValid)
	assert.Equal(t, models.StatusCancelled, h.status("rec-a.csv"))

	err := h.tr.CancelRecord(context.Background(), "rec-b.csv")
	assert.ErrorIs(t, err, ErrRecordNotPending)

	err = h.tr.CancelRecord(context.Background(), "nope")
	assert.Error(t, err)
}

func TestCancelRecord_ConfirmationFailureNotRolledBack(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv")
	h.ep.SetFail(errors.New("service unavailable"))

	require.NoError(t, h.tr.CancelRecord(context.Background(), "rec-a.csv"))
	require.Eventually(t, func() bool { return len(h.ep.CancelCalls()) == 1 }, waitFor, tick)
	h.sync()
	assert.Equal(t, models.StatusCancelled, h.status("rec-a.csv"))
}

func TestSeedTwice_TerminalRecordKept(t *testing.T) {
	up := testutil.NewFakeUploader()
	h := newHarness(t, up)

	h.start("a.csv")
	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid})
	h.waitStatus("rec-a.csv", models.StatusValid)

	// the server hands back the already validated record alongside a new one
	up.Records = func(b *models.UploadBatch) []models.ValidationRecord {
		return []models.ValidationRecord{
			{ID: "rec-a.csv", Name: "a.csv", Status: models.StatusPending},
			{ID: "rec-d.csv", Name: "d.csv", Status: models.StatusPending},
		}
	}
	h.start("d.csv")

	assert.Len(t, h.tr.Snapshot(), 2)
	assert.Equal(t, models.StatusValid, h.status("rec-a.csv"))
	assert.Equal(t, models.StatusPending, h.status("rec-d.csv"))

	h.expire(60 * time.Second)
	assert.Equal(t, models.StatusValid, h.status("rec-a.csv"))
	assert.Equal(t, models.StatusError, h.status("rec-d.csv"))
	require.Eventually(t, func() bool { return len(h.ep.CancelCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"rec-d.csv"}, h.ep.CancelCalls())
}

func TestSentinel_OnlyPendingRecordsFail(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv", "b.csv", "c.csv", "d.csv")

	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid})
	h.sub.Push(models.StatusUpdate{ID: "rec-b.csv", Status: models.StatusInvalid})
	h.waitStatus("rec-a.csv", models.StatusValid)
	h.waitStatus("rec-b.csv", models.StatusInvalid)

	h.expire(60 * time.Second)

	s := h.tr.Summary()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Error)
	assert.Equal(t, 0, s.Pending)
	require.Eventually(t, func() bool { return len(h.ep.CancelCalls()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"rec-c.csv", "rec-d.csv"}, h.ep.CancelCalls())
}

func TestSentinel_OnePerSeeding(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())

	h.start("a.csv")
	h.expire(30 * time.Second)
	h.start("b.csv")

	// the second seeding does not extend the first deadline
	h.expire(30 * time.Second)
	assert.Equal(t, models.StatusError, h.status("rec-a.csv"))
	assert.Equal(t, models.StatusPending, h.status("rec-b.csv"))

	h.expire(30 * time.Second)
	assert.Equal(t, models.StatusError, h.status("rec-b.csv"))
}

func TestSentinel_StoppedWhenAllTerminal(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv")
	assert.Equal(t, 1, h.clk.ActiveTimers())

	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid})
	h.waitStatus("rec-a.csv", models.StatusValid)
	h.sync()
	assert.Equal(t, 0, h.clk.ActiveTimers())

	h.expire(2 * time.Minute)
	assert.Empty(t, h.ep.CancelCalls())
}

func TestEarlyArrival_AppliedOnSeed(t *testing.T) {
	up := testutil.NewBlockingUploader()
	h := newHarness(t, up)

	bh, err := h.tr.StartBatch(context.Background(), batchOf("a.csv", "b.csv"))
	require.NoError(t, err)
	<-up.Started()

	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusValid})
	h.sub.Push(models.StatusUpdate{ID: "stranger", Status: models.StatusPending})
	require.Eventually(t, func() bool {
		var n int
		_ = h.tr.do(context.Background(), func() error { n = h.tr.rc.Buffered(); return nil })
		return n == 1
	}, waitFor, tick)

	close(up.Release)
	<-bh.TransferDone()
	h.waitStatus("rec-a.csv", models.StatusValid)
	assert.Equal(t, models.StatusPending, h.status("rec-b.csv"))
	_, ok := h.tr.Get("stranger")
	assert.False(t, ok)
}

func TestCancelBatch_DuringTransfer(t *testing.T) {
	up := testutil.NewBlockingUploader()
	h := newHarness(t, up)
	cancelled := h.tr.Events().Subscribe(events.EventTransferCancelled)

	bh, err := h.tr.StartBatch(context.Background(), batchOf("a.csv"))
	require.NoError(t, err)
	<-up.Started()

	_, err = h.tr.StartBatch(context.Background(), batchOf("b.csv"))
	assert.ErrorIs(t, err, ErrTransferInProgress)
	assert.False(t, h.tr.IsComplete())

	require.NoError(t, h.tr.CancelBatch(context.Background()))
	require.NoError(t, h.tr.CancelBatch(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.ErrorIs(t, bh.Wait(ctx), transfer.ErrTransferCancelled)

	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("no transfer_cancelled event")
	}
	assert.Empty(t, h.tr.Snapshot())
	assert.True(t, h.tr.IsComplete())

	// a new batch may start once the cancelled one is gone
	close(up.Release)
	h.start("c.csv")
	assert.Len(t, h.tr.Snapshot(), 1)
}

func TestStartBatch_CancelledContextStartsNothing(t *testing.T) {
	up := testutil.NewFakeUploader()
	h := newHarness(t, up)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		bh, err := h.tr.StartBatch(ctx, batchOf("a.csv"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, bh)
	}
	h.sync()
	assert.Empty(t, up.Calls())
	assert.True(t, h.tr.IsComplete())

	h.start("a.csv")
	assert.Len(t, up.Calls(), 1)
}

func TestIsComplete_FalseWhileRecordsAreSeeded(t *testing.T) {
	up := testutil.NewBlockingUploader()
	h := newHarness(t, up)

	bh, err := h.tr.StartBatch(context.Background(), batchOf("a.csv", "b.csv"))
	require.NoError(t, err)
	<-up.Started()

	stop := make(chan struct{})
	sawComplete := make(chan bool, 1)
	go func() {
		seen := false
		for {
			select {
			case <-stop:
				sawComplete <- seen
				return
			default:
			}
			if h.tr.IsComplete() {
				seen = true
			}
		}
	}()

	close(up.Release)
	<-bh.TransferDone()
	require.Eventually(t, func() bool { return len(h.tr.Snapshot()) == 2 }, waitFor, tick)
	h.sync()
	close(stop)

	assert.False(t, <-sawComplete, "tracker reported complete before its records were seeded")
	assert.False(t, h.tr.IsComplete())
}

func TestCancelBatch_AfterTransferCancelsPending(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	h.start("a.csv", "b.csv")
	h.sub.Push(models.StatusUpdate{ID: "rec-a.csv", Status: models.StatusInvalid})
	h.waitStatus("rec-a.csv", models.StatusInvalid)

	require.NoError(t, h.tr.CancelBatch(context.Background()))
	assert.Equal(t, models.StatusInvalid, h.status("rec-a.csv"))
	assert.Equal(t, models.StatusCancelled, h.status("rec-b.csv"))
	assert.True(t, h.tr.IsComplete())
}

func TestTransferFailure_NoRecords(t *testing.T) {
	up := testutil.NewFakeUploader()
	up.Err = errors.New("502 bad gateway")
	h := newHarness(t, up)
	failed := h.tr.Events().Subscribe(events.EventTransferFailed)

	bh, err := h.tr.StartBatch(context.Background(), batchOf("a.csv"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err = bh.Wait(ctx)
	var te *transfer.TransferError
	require.ErrorAs(t, err, &te)
	assert.Empty(t, h.tr.Snapshot())

	ev := (<-failed).(*events.TransferEvent)
	assert.Equal(t, bh.ID, ev.BatchID)
	assert.Error(t, ev.Error)
}

func TestProgress_EndsAtHalfScale(t *testing.T) {
	h := newHarness(t, testutil.NewFakeUploader())
	progress := h.tr.Events().Subscribe(events.EventTransferProgress)

	h.start("a.csv")

	var last *events.TransferEvent
	for {
		select {
		case ev := <-progress:
			last = ev.(*events.TransferEvent)
			continue
		default:
		}
		break
	}
	require.NotNil(t, last)
	assert.Equal(t, 1.0, last.Fraction)
	assert.Equal(t, 50.0, last.Percent)
}

func TestRestore_PendingGetsSentinel(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	ep := testutil.NewFakeEndpoint()
	tr := New(Options{Uploader: testutil.NewFakeUploader(), Endpoint: ep, Clock: clk, Logger: logging.NewNopLogger()})

	n := tr.Restore([]models.ValidationRecord{
		{ID: "x", Status: models.StatusPending},
		{ID: "y", Status: models.StatusValid},
	})
	assert.Equal(t, 2, n)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	clk.Advance(60 * time.Second)
	require.Eventually(t, func() bool {
		rec, _ := tr.Get("x")
		return rec.Status == models.StatusError
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(ep.CancelCalls()) == 1 }, waitFor, tick)

	assert.ErrorIs(t, tr.Run(ctx), ErrAlreadyRunning)
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, tr.CancelRecord(context.Background(), "x"), ErrStopped)
}
