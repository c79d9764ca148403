package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/models"
)

func rec(id, name string, status models.Status) models.ValidationRecord {
	return models.ValidationRecord{ID: id, Name: name, Status: status}
}

func TestBoard_PlainOutput(t *testing.T) {
	var out bytes.Buffer
	b := NewBoard(&out, false)

	b.Set(rec("r1", "a.csv", models.StatusPending))
	b.Set(rec("r1", "a.csv", models.StatusPending))
	r := rec("r1", "a.csv", models.StatusInvalid)
	r.ErrorMessages = []string{"bad header"}
	b.Set(r)
	b.Close()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Pending")
	assert.Contains(t, lines[1], "✗ Invalid")
	assert.Contains(t, lines[1], "a.csv (r1): bad header")
	assert.Equal(t, 1, b.Len())
}

func TestBoard_TerminalCloseAbortsPending(t *testing.T) {
	var out bytes.Buffer
	b := NewBoard(&out, true)
	b.Set(rec("r1", "a.csv", models.StatusPending))
	b.Set(rec("r2", "b.csv", models.StatusPending))
	b.Set(rec("r1", "a.csv", models.StatusValid))

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestTransferBar_Plain(t *testing.T) {
	var out bytes.Buffer
	bar := NewTransferBar(&out, 100, "upload", false)
	bar.Update(40)
	bar.Finish()
	assert.Equal(t, "Transfer complete\n", out.String())

	out.Reset()
	bar = NewTransferBar(&out, 100, "upload", false)
	bar.Abort("cancelled")
	assert.Equal(t, "Transfer stopped: cancelled\n", out.String())
}

func TestPrinter_Handle(t *testing.T) {
	var out bytes.Buffer
	bar := NewTransferBar(&out, 20, "upload", false)
	board := NewBoard(&out, false)
	p := NewPrinter("b1", bar, board)

	progress := &events.TransferEvent{BaseEvent: events.BaseEvent{EventType: events.EventTransferProgress}, BatchID: "b1", BytesSent: 10, BytesTotal: 20}
	assert.False(t, p.Handle(progress))
	other := &events.TransferEvent{BaseEvent: events.BaseEvent{EventType: events.EventTransferFailed}, BatchID: "b2"}
	assert.False(t, p.Handle(other))

	seeded := &events.RecordEvent{BaseEvent: events.BaseEvent{EventType: events.EventRecordSeeded}, BatchID: "b1", Record: rec("r1", "a.csv", models.StatusPending)}
	assert.False(t, p.Handle(seeded))
	assert.Equal(t, 1, board.Len())

	done := &events.BatchCompleteEvent{BaseEvent: events.BaseEvent{EventType: events.EventBatchComplete}, BatchID: "b1", Valid: 1, Duration: 1500 * time.Millisecond}
	assert.True(t, p.Handle(done))
	assert.Contains(t, out.String(), "Batch b1 finished in 1.5s: 1 Valid, 0 Invalid, 0 Error, 0 Cancelled")
}

func TestPrinter_TransferFailureEndsBatch(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter("b1", NewTransferBar(&out, 20, "upload", false), NewBoard(&out, false))
	failed := &events.TransferEvent{BaseEvent: events.BaseEvent{EventType: events.EventTransferFailed}, BatchID: "b1", Error: errors.New("503 from server")}
	assert.True(t, p.Handle(failed))
	assert.Contains(t, out.String(), "Transfer stopped: 503 from server")
}

func TestTruncatePath(t *testing.T) {
	assert.Equal(t, "a.csv", truncatePath("a.csv", 3))
	assert.Equal(t, "x/y/a.csv", truncatePath("x/y/a.csv", 3))
	assert.Equal(t, "…/c/d/file.txt", truncatePath("/a/b/c/d/file.txt", 3))
}
