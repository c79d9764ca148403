package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-assets/internal/api"
	"github.com/rescale/rescale-assets/internal/metadata"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/state"
	"github.com/rescale/rescale-assets/internal/tracker"
)

// newStatusCmd creates the 'status' command.
func newStatusCmd() *cobra.Command {
	var (
		outputFmt string
		refresh   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the records of the last uploaded batch",
		Long: `Show every record of the last uploaded batch as saved locally.

With --refresh, records that were still Pending are fetched from the
platform first and the saved batch is updated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutputFormat(outputFmt)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snap, err := loadSnapshot(cfg)
			if err != nil {
				return err
			}

			if refresh {
				client, err := api.NewClient(cfg)
				if err != nil {
					return fmt.Errorf("failed to create API client: %w", err)
				}
				n := refreshPending(cmd.Context(), client, snap)
				if n > 0 {
					snap.SavedAt = time.Now().UTC()
					if err := state.NewStore(cfg.SnapshotPath()).Save(snap); err != nil {
						return fmt.Errorf("failed to save batch state: %w", err)
					}
				}
			}

			if err := renderRecords(os.Stdout, string(format), snap.Records); err != nil {
				return err
			}
			if format == outputTable {
				fmt.Printf("\nBatch %s (%s), saved %s: %s\n", snap.BatchID, snap.Kind,
					snap.SavedAt.Local().Format(time.RFC3339), summarize(snap.Records))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch Pending records from the platform first")
	return cmd
}

// recordGetter fetches the server's copy of one record.
type recordGetter interface {
	GetRecord(ctx context.Context, id string) (*models.ValidationRecord, error)
}

// refreshPending replaces Pending records in snap with the server's copy and
// returns how many changed.
func refreshPending(ctx context.Context, client recordGetter, snap *state.Snapshot) int {
	logger := GetLogger()
	changed := 0
	for i, r := range snap.Records {
		if r.Status.IsTerminal() {
			continue
		}
		fresh, err := client.GetRecord(ctx, r.ID)
		if err != nil {
			logger.Warn().Err(err).Str("record_id", r.ID).Msg("failed to refresh record")
			continue
		}
		if fresh.Kind == "" {
			fresh.Kind = r.Kind
		}
		if fresh.Status != r.Status || fresh.Name != r.Name {
			changed++
		}
		snap.Records[i] = fresh.Clone()
	}
	return changed
}

// resolveRecord finds a record of snap by id, or by name when unambiguous.
func resolveRecord(snap *state.Snapshot, ref string) (models.ValidationRecord, error) {
	var byName []models.ValidationRecord
	for _, r := range snap.Records {
		if r.ID == ref {
			return r, nil
		}
		if r.Name == ref {
			byName = append(byName, r)
		}
	}
	switch len(byName) {
	case 1:
		return byName[0], nil
	case 0:
		return models.ValidationRecord{}, fmt.Errorf("no record %q in batch %s", ref, snap.BatchID)
	default:
		return models.ValidationRecord{}, fmt.Errorf("name %q matches %d records, use the id", ref, len(byName))
	}
}

// withSavedBatch restores the last batch into a session, runs fn against it
// and saves the result.
func withSavedBatch(ctx context.Context, ref string, fn func(tr *tracker.Tracker, rec models.ValidationRecord) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := loadSnapshot(cfg)
	if err != nil {
		return err
	}
	rec, err := resolveRecord(snap, ref)
	if err != nil {
		return err
	}

	sess, err := openSession(context.Background(), cfg, sessionOptions{}, snap)
	if err != nil {
		return err
	}
	defer sess.close()

	opErr := fn(sess.tracker, rec)
	if err := sess.saveRecords(snap); err != nil {
		GetLogger().Warn().Err(err).Msg("batch state not saved")
	}
	return opErr
}

// newRenameCmd creates the 'rename' command.
func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <record> <new-name>",
		Short: "Rename a Valid record",
		Long: `Rename a record of the last batch. Only Valid records can be renamed,
and the new name must not be used by another asset of the same kind.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSavedBatch(cmd.Context(), args[0], func(tr *tracker.Tracker, rec models.ValidationRecord) error {
				updated, err := tr.RenameRecord(cmd.Context(), rec.ID, args[1])
				var conflict *metadata.NameConflictError
				switch {
				case errors.As(err, &conflict):
					return fmt.Errorf("name %q is already in use; %s keeps the name %q", conflict.AttemptedName, rec.ID, rec.Name)
				case errors.Is(err, metadata.ErrNotValid):
					return fmt.Errorf("cannot rename %s: it is %s, only Valid records can be renamed", rec.Name, rec.Status)
				case err != nil:
					return err
				}
				fmt.Printf("✓ Renamed %s to %s\n", rec.Name, updated.Name)
				return nil
			})
		},
	}
}

// newDescribeCmd creates the 'describe' command.
func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <record> <text>...",
		Short: "Set the description of a Valid record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withSavedBatch(cmd.Context(), args[0], func(tr *tracker.Tracker, rec models.ValidationRecord) error {
				if _, err := tr.DescribeRecord(cmd.Context(), rec.ID, text); err != nil {
					if errors.Is(err, metadata.ErrNotValid) {
						return fmt.Errorf("cannot describe %s: it is %s, only Valid records can be described", rec.Name, rec.Status)
					}
					return err
				}
				fmt.Printf("✓ Updated description of %s\n", rec.Name)
				return nil
			})
		},
	}
}

// newCancelCmd creates the 'cancel' command.
func newCancelCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [record]",
		Short: "Cancel validation of a Pending record",
		Long: `Cancel a record of the last batch that is still Pending validation.
With --all every Pending record of the batch is cancelled.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return cancelAll(cmd.Context())
			}
			return withSavedBatch(cmd.Context(), args[0], func(tr *tracker.Tracker, rec models.ValidationRecord) error {
				err := tr.CancelRecord(cmd.Context(), rec.ID)
				if errors.Is(err, tracker.ErrRecordNotPending) {
					return fmt.Errorf("cannot cancel %s: it is already %s", rec.Name, rec.Status)
				}
				if err != nil {
					return err
				}
				fmt.Printf("✓ Cancelled %s\n", rec.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Cancel every Pending record of the last batch")
	return cmd
}

func cancelAll(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := loadSnapshot(cfg)
	if err != nil {
		return err
	}

	sess, err := openSession(context.Background(), cfg, sessionOptions{}, snap)
	if err != nil {
		return err
	}
	defer sess.close()

	before := sess.tracker.Summary().Pending
	if err := sess.tracker.CancelBatch(ctx); err != nil {
		return err
	}
	if err := sess.saveRecords(snap); err != nil {
		return err
	}
	fmt.Printf("✓ Cancelled %d pending record(s)\n", before)
	return nil
}
