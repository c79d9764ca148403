package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/rescale/rescale-assets/internal/models"
)

// Board shows one line per record with its live status.
type Board struct {
	progress *mpb.Progress
	out      io.Writer
	tty      bool

	mu    sync.Mutex
	lines map[string]*recordLine
	order []string
}

type recordLine struct {
	bar *mpb.Bar

	mu     sync.Mutex
	name   string
	status models.Status
	detail string
	done   bool
}

func (l *recordLine) label(decor.Statistics) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return truncatePath(l.name, 3)
}

func (l *recordLine) state(decor.Statistics) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detail != "" {
		return fmt.Sprintf("%s %s: %s", statusMark(l.status), l.status, l.detail)
	}
	return fmt.Sprintf("%s %s", statusMark(l.status), l.status)
}

// NewBoard creates a board writing to out. Without a TTY the board prints a
// line for every status change instead of redrawing.
func NewBoard(out io.Writer, tty bool) *Board {
	var p *mpb.Progress
	if tty {
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}
	return &Board{
		progress: p,
		out:      out,
		tty:      tty,
		lines:    make(map[string]*recordLine),
	}
}

// Set adds rec to the board or updates its line.
func (b *Board) Set(rec models.ValidationRecord) {
	b.mu.Lock()
	line, ok := b.lines[rec.ID]
	if !ok {
		line = &recordLine{name: rec.Name, status: rec.Status}
		if b.tty {
			line.bar = b.progress.New(1,
				mpb.SpinnerStyle(),
				mpb.PrependDecorators(decor.Any(line.label, decor.WCSyncSpaceR)),
				mpb.AppendDecorators(decor.Any(line.state)),
				mpb.BarFillerClearOnComplete(),
			)
		}
		b.lines[rec.ID] = line
		b.order = append(b.order, rec.ID)
	}
	b.mu.Unlock()

	line.mu.Lock()
	changed := !ok || line.status != rec.Status || line.name != rec.Name
	line.name = rec.Name
	line.status = rec.Status
	line.detail = recordDetail(rec)
	finish := rec.Status.IsTerminal() && !line.done
	if finish {
		line.done = true
	}
	line.mu.Unlock()

	if !b.tty {
		if changed {
			fmt.Fprintf(b.out, "%s %-10s %s (%s)%s\n", statusMark(rec.Status), rec.Status, rec.Name, rec.ID, suffix(recordDetail(rec)))
		}
		return
	}
	if finish {
		line.bar.SetCurrent(1)
		line.bar.SetTotal(1, true)
	}
}

// Writer returns a writer that prints above the bars.
func (b *Board) Writer() io.Writer {
	if b.tty {
		return b.progress
	}
	return b.out
}

// Len returns the number of records on the board.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Close aborts lines that are still pending and waits for the final redraw.
func (b *Board) Close() {
	b.mu.Lock()
	var open []*mpb.Bar
	for _, id := range b.order {
		line := b.lines[id]
		line.mu.Lock()
		if !line.done && line.bar != nil {
			line.done = true
			open = append(open, line.bar)
		}
		line.mu.Unlock()
	}
	b.mu.Unlock()

	for _, bar := range open {
		bar.Abort(false)
	}
	b.progress.Wait()
}

func recordDetail(rec models.ValidationRecord) string {
	if len(rec.ErrorMessages) > 0 {
		return rec.ErrorMessages[0]
	}
	if rec.Fields != nil && rec.Fields.Format != "" {
		return rec.Fields.Format
	}
	return ""
}

func suffix(detail string) string {
	if detail == "" {
		return ""
	}
	return ": " + detail
}

func statusMark(s models.Status) string {
	switch s {
	case models.StatusValid:
		return "✓"
	case models.StatusInvalid, models.StatusError:
		return "✗"
	case models.StatusCancelled:
		return "-"
	default:
		return "…"
	}
}
