package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/rescale/rescale-assets/internal/api"
	"github.com/rescale/rescale-assets/internal/models"
)

// RecordIDFor is the id FakeUploader assigns to a file unless Records is set.
func RecordIDFor(f models.FileHandle) string {
	return "rec-" + f.RelPath
}

// FakeUploader stands in for the transfer endpoint. It reports half the
// bytes, optionally blocks until Release is closed, then reports the rest.
type FakeUploader struct {
	// Records builds the provisional records. Defaults to one Pending record
	// per file with id RecordIDFor(file).
	Records func(batch *models.UploadBatch) []models.ValidationRecord
	// Err fails every upload after the first progress report.
	Err error
	// Release, when non-nil, holds each upload until closed or cancelled.
	Release chan struct{}

	mu      sync.Mutex
	calls   []*models.UploadBatch
	started chan struct{}
}

// NewFakeUploader returns an uploader that completes immediately.
func NewFakeUploader() *FakeUploader {
	return &FakeUploader{started: make(chan struct{}, 16)}
}

// NewBlockingUploader returns an uploader that waits for Release.
func NewBlockingUploader() *FakeUploader {
	u := NewFakeUploader()
	u.Release = make(chan struct{})
	return u
}

// UploadBatch implements transfer.Uploader.
func (u *FakeUploader) UploadBatch(ctx context.Context, batch *models.UploadBatch, onProgress func(sent, total int64)) ([]models.ValidationRecord, error) {
	u.mu.Lock()
	u.calls = append(u.calls, batch)
	u.mu.Unlock()
	select {
	case u.started <- struct{}{}:
	default:
	}

	total := batch.TotalBytes()
	if onProgress != nil {
		onProgress(total/2, total)
	}

	if u.Release != nil {
		select {
		case <-u.Release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if u.Err != nil {
		return nil, u.Err
	}

	if onProgress != nil {
		onProgress(total, total)
	}
	if u.Records != nil {
		return u.Records(batch), nil
	}
	recs := make([]models.ValidationRecord, 0, len(batch.Files))
	for _, f := range batch.Files {
		recs = append(recs, models.ValidationRecord{
			ID:     RecordIDFor(f),
			Name:   f.RelPath,
			Kind:   batch.Kind,
			Status: models.StatusPending,
		})
	}
	return recs, nil
}

// Started is signalled each time an upload begins.
func (u *FakeUploader) Started() <-chan struct{} {
	return u.started
}

// Calls returns the batches uploaded so far.
func (u *FakeUploader) Calls() []*models.UploadBatch {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*models.UploadBatch(nil), u.calls...)
}

// MetadataCall is one UpdateMetadata invocation seen by FakeEndpoint.
type MetadataCall struct {
	ID     string
	Update models.MetadataUpdate
}

// FakeEndpoint stands in for the metadata-update endpoint.
type FakeEndpoint struct {
	// Fail, when set, is returned by every call.
	Fail error

	mu      sync.Mutex
	taken   map[string]string // name -> record id
	calls   []MetadataCall
	cancels []string
}

// NewFakeEndpoint returns an endpoint where every name is free.
func NewFakeEndpoint() *FakeEndpoint {
	return &FakeEndpoint{taken: make(map[string]string)}
}

// Take marks name as used by another record.
func (e *FakeEndpoint) Take(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.taken[name] = "other"
}

// SetFail replaces the failure returned by calls.
func (e *FakeEndpoint) SetFail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Fail = err
}

// UpdateMetadata applies name uniqueness like the server does.
func (e *FakeEndpoint) UpdateMetadata(ctx context.Context, id string, update models.MetadataUpdate) (*models.MetadataUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MetadataCall{ID: id, Update: update})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Fail != nil {
		return nil, e.Fail
	}
	if update.Name != nil {
		if owner, ok := e.taken[*update.Name]; ok && owner != id {
			return nil, &api.StatusError{Op: "update metadata", Code: 409, Body: `{"name":["already in use"]}`}
		}
		for name, owner := range e.taken {
			if owner == id {
				delete(e.taken, name)
			}
		}
		e.taken[*update.Name] = id
	}
	out := update
	return &out, nil
}

// CancelValidation records the confirmation call.
func (e *FakeEndpoint) CancelValidation(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, id)
	if e.Fail != nil {
		return e.Fail
	}
	return ctx.Err()
}

// MetadataCalls returns the UpdateMetadata calls so far.
func (e *FakeEndpoint) MetadataCalls() []MetadataCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MetadataCall(nil), e.calls...)
}

// CancelCalls returns the record ids CancelValidation was called with.
func (e *FakeEndpoint) CancelCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancels...)
}

// ErrSubscriberClosed is returned by FakeSubscriber.Run after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// FakeSubscriber is a status-update stream fed by Push.
type FakeSubscriber struct {
	updates chan models.StatusUpdate
	closed  chan struct{}
	once    sync.Once
}

// NewFakeSubscriber returns an open stream.
func NewFakeSubscriber() *FakeSubscriber {
	return &FakeSubscriber{
		updates: make(chan models.StatusUpdate, 64),
		closed:  make(chan struct{}),
	}
}

// Push queues an update for delivery.
func (s *FakeSubscriber) Push(u models.StatusUpdate) {
	s.updates <- u
}

// Close ends Run with ErrSubscriberClosed.
func (s *FakeSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Run forwards pushed updates to out until ctx is done or Close is called.
func (s *FakeSubscriber) Run(ctx context.Context, out chan<- models.StatusUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrSubscriberClosed
		case u := <-s.updates:
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
