package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/progress"
	"github.com/rescale/rescale-assets/internal/state"
	"github.com/rescale/rescale-assets/internal/transfer"
	"github.com/rescale/rescale-assets/internal/validation"
)

// newUploadCmd creates the 'upload' command.
func newUploadCmd() *cobra.Command {
	var (
		kindFlag   string
		hintFlags  []string
		timeout    time.Duration
		noProgress bool
		outputFmt  string
	)

	cmd := &cobra.Command{
		Use:   "upload <file>... | upload <folder>",
		Short: "Upload files and follow their validation",
		Long: `Upload up to 10 files, or one folder, as a single batch and wait until
every file the server accepted is Valid, Invalid, failed or cancelled.

Pipelines accept a classification hint per file:
  --hint weights.pt=model --hint train.csv=dataset --hint run.py=code

Press Ctrl+C once to cancel. During the transfer this aborts the upload;
afterwards it cancels every file still pending validation.

Examples:
  # Upload two datasets
  rescale-assets upload a.csv b.csv

  # Upload a model folder
  rescale-assets upload ./resnet --kind model`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseAssetKind(kindFlag)
			if err != nil {
				return err
			}
			hints, err := parseHints(hintFlags)
			if err != nil {
				return err
			}
			batch, err := validation.BuildBatch(kind, args, hints)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tty := !noProgress && progress.IsTerminal(os.Stderr)
			return runUpload(cmd.Context(), cfg, batch, uploadOptions{
				timeout: timeout,
				tty:     tty,
				output:  outputFmt,
			})
		},
	}

	cmd.Flags().StringVarP(&kindFlag, "kind", "k", string(models.KindDataset), "Asset kind: dataset, model or pipeline")
	cmd.Flags().StringArrayVar(&hintFlags, "hint", nil, "Pipeline file classification as path=model|dataset|code (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Validation timeout per batch (default from config, 60s)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Print plain status lines instead of progress bars")
	cmd.Flags().StringVarP(&outputFmt, "output", "o", "", "Print the final records as table, json or yaml")

	return cmd
}

type uploadOptions struct {
	timeout time.Duration
	tty     bool
	output  string
}

// parseHints turns repeated path=hint flags into a hint map.
func parseHints(flags []string) (map[string]models.Hint, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	hints := make(map[string]models.Hint, len(flags))
	for _, f := range flags {
		rel, value, ok := strings.Cut(f, "=")
		rel = strings.TrimSpace(rel)
		if !ok || rel == "" {
			return nil, fmt.Errorf("invalid hint %q: expected path=model|dataset|code", f)
		}
		hint := models.Hint(strings.ToLower(strings.TrimSpace(value)))
		if !models.ValidHint(hint) {
			return nil, fmt.Errorf("invalid hint %q for %s: expected model, dataset or code", value, rel)
		}
		hints[rel] = hint
	}
	return hints, nil
}

func runUpload(ctx context.Context, cfg *config.Config, batch *models.UploadBatch, opts uploadOptions) error {
	logger := GetLogger()

	if opts.output != "" {
		if _, err := parseOutputFormat(opts.output); err != nil {
			return err
		}
	}

	// The loop outlives ctx so a Ctrl+C can still be turned into cancellations.
	sess, err := openSession(context.Background(), cfg, sessionOptions{withStream: true, timeout: opts.timeout}, nil)
	if err != nil {
		return err
	}
	defer sess.close()

	evs := GetEventBus().SubscribeAll()
	defer GetEventBus().UnsubscribeAll(evs)

	h, err := sess.tracker.StartBatch(context.Background(), batch)
	if err != nil {
		return err
	}

	desc := fmt.Sprintf("Uploading %d %s file(s)", len(batch.Files), batch.Kind)
	if batch.IsFolder() {
		desc = fmt.Sprintf("Uploading folder %s", batch.Folder)
	}
	bar := progress.NewTransferBar(os.Stderr, batch.TotalBytes(), desc, opts.tty)
	board := progress.NewBoard(os.Stderr, opts.tty)
	printer := progress.NewPrinter(h.ID, bar, board)

	interrupted := ctx.Done()
	for done := false; !done; {
		select {
		case ev := <-evs:
			printer.Handle(ev)
		case <-h.Done():
			done = true
		case <-interrupted:
			interrupted = nil
			logger.Info().Str("batch_id", h.ID).Msg("cancelling batch")
			if err := sess.tracker.CancelBatch(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("failed to cancel batch")
			}
		}
	}
	drainEvents(evs, printer)
	board.Close()

	snap := &state.Snapshot{BatchID: h.ID, Kind: batch.Kind}
	if err := sess.saveRecords(snap); err != nil {
		logger.Warn().Err(err).Msg("batch state not saved")
	} else {
		logger.Debug().Str("path", sess.store.Path()).Msg("batch state saved")
	}

	if opts.output != "" {
		if err := renderRecords(os.Stdout, opts.output, snap.Records); err != nil {
			return err
		}
	}

	err = h.Err()
	var tErr *transfer.TransferError
	switch {
	case errors.Is(err, transfer.ErrTransferCancelled):
		fmt.Fprintln(os.Stderr, "Upload cancelled.")
		return nil
	case errors.As(err, &tErr):
		return fmt.Errorf("upload failed: %w", err)
	case err != nil:
		return err
	}
	return nil
}

// drainEvents renders whatever was already buffered when the batch ended.
func drainEvents(evs <-chan events.Event, printer *progress.Printer) {
	for {
		select {
		case ev := <-evs:
			printer.Handle(ev)
		default:
			return
		}
	}
}
