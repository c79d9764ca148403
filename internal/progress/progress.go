// Package progress renders batch transfers and record status in the terminal.
// Bars are drawn only when stderr is a TTY; otherwise plain lines are printed.
package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rescale/rescale-assets/internal/constants"
)

// IsTerminal reports whether f is attached to a terminal. On Windows it also
// enables ANSI processing for f.
func IsTerminal(f *os.File) bool {
	if !term.IsTerminal(int(f.Fd())) {
		return false
	}
	enableWindowsANSI(f)
	return true
}

// TransferBar shows bytes sent for one batch transfer.
type TransferBar struct {
	bar *progressbar.ProgressBar
	out io.Writer
	tty bool
}

// NewTransferBar creates a bar over total bytes. When tty is false the bar
// is not drawn and only the final outcome is written to out.
func NewTransferBar(out io.Writer, total int64, description string, tty bool) *TransferBar {
	w := out
	if !tty {
		w = io.Discard
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(constants.ProgressUpdateInterval),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(tty),
	)
	return &TransferBar{bar: bar, out: out, tty: tty}
}

// Update moves the bar to sent bytes.
func (b *TransferBar) Update(sent int64) {
	_ = b.bar.Set64(sent)
}

// Finish completes the bar.
func (b *TransferBar) Finish() {
	_ = b.bar.Finish()
	if !b.tty {
		fmt.Fprintln(b.out, "Transfer complete")
	}
}

// Abort stops the bar and prints why.
func (b *TransferBar) Abort(reason string) {
	_ = b.bar.Exit()
	if b.tty {
		fmt.Fprint(b.out, "\n")
	}
	fmt.Fprintf(b.out, "Transfer stopped: %s\n", reason)
}

// truncatePath keeps the last maxComponents components of a path.
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return path
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}
