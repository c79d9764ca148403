package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rescale/rescale-assets/internal/api"
	"github.com/rescale/rescale-assets/internal/cloud/staging"
	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/state"
	"github.com/rescale/rescale-assets/internal/stream"
	"github.com/rescale/rescale-assets/internal/tracker"
	"github.com/rescale/rescale-assets/internal/transfer"
)

// session is one running tracker wired to the configured service.
type session struct {
	cfg      *config.Config
	client   *api.Client
	uploader transfer.Uploader
	tracker  *tracker.Tracker
	store    *state.Store

	cancel  context.CancelFunc
	stopped chan error
}

type sessionOptions struct {
	// withStream subscribes to status updates. Commands that only edit
	// metadata leave it off.
	withStream bool
	timeout    time.Duration
}

// openSession validates the configuration, builds the tracker and starts its
// control loop. restore, when non-nil, is seeded before the loop starts.
func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions, restore *state.Snapshot) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	log := GetLogger()

	var uploader transfer.Uploader = client
	if cfg.TransferMode == config.TransferStaged {
		su, err := staging.NewUploader(client, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create staged uploader: %w", err)
		}
		uploader = su
	}

	var sub tracker.Stream
	if opts.withStream {
		s, err := stream.New(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create status stream: %w", err)
		}
		sub = s
	}

	timeout := cfg.ValidationTimeout
	if opts.timeout > 0 {
		timeout = opts.timeout
	}

	tr := tracker.New(tracker.Options{
		Uploader: uploader,
		Endpoint: client,
		Stream:   sub,
		Timeout:  timeout,
		Logger:   log,
		Events:   GetEventBus(),
	})
	if restore != nil {
		tr.Restore(restore.Records)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:      cfg,
		client:   client,
		uploader: uploader,
		tracker:  tr,
		store:    state.NewStore(cfg.SnapshotPath()),
		cancel:   cancel,
		stopped:  make(chan error, 1),
	}
	go func() {
		s.stopped <- tr.Run(runCtx)
	}()
	return s, nil
}

// close stops the control loop and waits for outstanding cancellation calls.
func (s *session) close() {
	s.cancel()
	select {
	case err := <-s.stopped:
		if err != nil {
			GetLogger().Debug().Err(err).Msg("tracker stopped")
		}
	case <-time.After(constants.CancelCallTimeout + 5*time.Second):
		GetLogger().Warn().Msg("tracker did not stop in time")
	}
}

// loadSnapshot reads the last saved batch.
func loadSnapshot(cfg *config.Config) (*state.Snapshot, error) {
	return state.NewStore(cfg.SnapshotPath()).Load()
}

// saveRecords merges the tracker's view into snap and writes it back.
func (s *session) saveRecords(snap *state.Snapshot) error {
	snap.Merge(s.tracker.Snapshot())
	snap.SavedAt = time.Now().UTC()
	if err := s.store.Save(snap); err != nil {
		return fmt.Errorf("failed to save batch state: %w", err)
	}
	return nil
}
