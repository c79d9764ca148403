package transfer

import (
	"context"
	"sync"

	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

// Uploader moves a batch to the server and returns its provisional records.
// Implementations must honour ctx cancellation and report cumulative progress
// at least once per transport chunk.
type Uploader interface {
	UploadBatch(ctx context.Context, batch *models.UploadBatch, onProgress func(sent, total int64)) ([]models.ValidationRecord, error)
}

// Stats holds counts of transfers by state.
type Stats struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}

// Total returns the number of transfers tracked.
func (s Stats) Total() int {
	return s.Queued + s.Active + s.Completed + s.Failed + s.Cancelled
}

// Manager starts transfers and keeps a record of them for the session.
type Manager struct {
	uploader Uploader
	logger   *logging.Logger

	mu        sync.RWMutex
	transfers []*Transfer
}

// NewManager creates a new transfer manager
func NewManager(uploader Uploader, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return &Manager{
		uploader: uploader,
		logger:   logger,
	}
}

// Submit starts uploading batch in the background and returns its handle.
// onProgress is called from the upload goroutine for every chunk and once
// more with Fraction 1.0 when the transfer succeeds. It may be nil.
func (m *Manager) Submit(ctx context.Context, batch *models.UploadBatch, onProgress func(Progress)) *Transfer {
	t := newTransfer(ctx, batch)

	m.mu.Lock()
	m.transfers = append(m.transfers, t)
	m.mu.Unlock()

	go m.run(t, onProgress)
	return t
}

func (m *Manager) run(t *Transfer, onProgress func(Progress)) {
	log := m.logger.With().Str("batch_id", t.BatchID()).Logger()
	log.Debug().Int("files", len(t.batch.Files)).Int64("bytes", t.batch.TotalBytes()).Msg("transfer started")

	records, err := m.uploader.UploadBatch(t.ctx, t.batch, func(sent, total int64) {
		p := t.update(sent, total)
		if onProgress != nil {
			onProgress(p)
		}
	})

	state, final := t.finish(records, err)
	defer t.release()
	switch state {
	case TaskCompleted:
		log.Info().Int("records", len(records)).Msg("transfer completed")
		if onProgress != nil {
			onProgress(final)
		}
	case TaskCancelled:
		log.Info().Msg("transfer cancelled")
	case TaskFailed:
		log.Error().Err(err).Msg("transfer failed")
	}
}

// Transfers returns every transfer submitted so far, oldest first.
func (m *Manager) Transfers() []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Stats returns counts of transfers by state.
func (m *Manager) Stats() Stats {
	var s Stats
	for _, t := range m.Transfers() {
		switch t.State() {
		case TaskQueued:
			s.Queued++
		case TaskActive:
			s.Active++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}
