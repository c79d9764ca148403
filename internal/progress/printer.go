package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/models"
)

// Printer turns tracker events into terminal output for one batch.
type Printer struct {
	batchID string
	bar     *TransferBar
	board   *Board
}

// NewPrinter renders events of batchID on bar and board.
func NewPrinter(batchID string, bar *TransferBar, board *Board) *Printer {
	return &Printer{batchID: batchID, bar: bar, board: board}
}

// Handle renders ev and reports whether the batch has ended, either because
// the transfer failed or was cancelled or because every record is terminal.
func (p *Printer) Handle(ev events.Event) bool {
	switch e := ev.(type) {
	case *events.TransferEvent:
		if e.BatchID != p.batchID {
			return false
		}
		switch e.Type() {
		case events.EventTransferProgress:
			p.bar.Update(e.BytesSent)
		case events.EventTransferCompleted:
			p.bar.Update(e.BytesTotal)
			p.bar.Finish()
		case events.EventTransferCancelled:
			p.bar.Abort("cancelled")
			return true
		case events.EventTransferFailed:
			p.bar.Abort(errorText(e.Error))
			return true
		}
	case *events.RecordEvent:
		if e.BatchID == p.batchID {
			p.board.Set(e.Record)
		}
	case *events.BatchCompleteEvent:
		if e.BatchID != p.batchID {
			return false
		}
		PrintSummary(p.board.Writer(), e)
		return true
	}
	return false
}

func errorText(err error) string {
	if err == nil {
		return "failed"
	}
	return err.Error()
}

// PrintSummary writes the one-line outcome of a finished batch.
func PrintSummary(w io.Writer, e *events.BatchCompleteEvent) {
	fmt.Fprintf(w, "Batch %s finished in %s: %d %s, %d %s, %d %s, %d %s\n",
		e.BatchID, e.Duration.Round(100*time.Millisecond),
		e.Valid, models.StatusValid,
		e.Invalid, models.StatusInvalid,
		e.Failed, models.StatusError,
		e.Cancelled, models.StatusCancelled)
}
