// Package metadata applies user edits to validated records.
//
// An edit reaches the registry only after the server accepted it. Status is
// never part of an edit.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/rescale/rescale-assets/internal/api"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/registry"
	"github.com/rescale/rescale-assets/internal/sanitize"
)

// ErrNotValid is returned when the record is not in the Valid status.
var ErrNotValid = errors.New("record is not valid")

// ErrEmptyName is returned for a blank rename.
var ErrEmptyName = errors.New("name must not be empty")

// NameConflictError reports that the server refused a rename because the name
// is already used. The local record is unchanged.
type NameConflictError struct {
	ID            string
	AttemptedName string
	Cause         error
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("name %q is already in use (record %s)", e.AttemptedName, e.ID)
}

func (e *NameConflictError) Unwrap() error {
	return e.Cause
}

// Is matches api.ErrNameConflict so callers need not know the concrete type.
func (e *NameConflictError) Is(target error) bool {
	return target == api.ErrNameConflict
}

// Store is the registry view the editor needs.
type Store interface {
	Get(id string) (models.ValidationRecord, bool)
	Update(id string, patch registry.Patch) (before, after models.ValidationRecord, err error)
}

// Endpoint is the metadata-update collaborator.
type Endpoint interface {
	UpdateMetadata(ctx context.Context, id string, update models.MetadataUpdate) (*models.MetadataUpdate, error)
}

// Editor applies rename and describe edits.
type Editor struct {
	store    Store
	endpoint Endpoint
	logger   *logging.Logger
}

// NewEditor creates an editor over store and endpoint.
func NewEditor(store Store, endpoint Endpoint, logger *logging.Logger) *Editor {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return &Editor{store: store, endpoint: endpoint, logger: logger}
}

// Rename changes a Valid record's name. A name collision returns
// *NameConflictError and leaves the record untouched.
func (e *Editor) Rename(ctx context.Context, id, name string) (models.ValidationRecord, error) {
	name = sanitize.Name(name)
	if name == "" {
		return models.ValidationRecord{}, ErrEmptyName
	}
	return e.apply(ctx, id, models.MetadataUpdate{Name: &name})
}

// Describe replaces a Valid record's description.
func (e *Editor) Describe(ctx context.Context, id, text string) (models.ValidationRecord, error) {
	text = sanitize.Description(text)
	return e.apply(ctx, id, models.MetadataUpdate{Description: &text})
}

func (e *Editor) apply(ctx context.Context, id string, update models.MetadataUpdate) (models.ValidationRecord, error) {
	rec, ok := e.store.Get(id)
	if !ok {
		return models.ValidationRecord{}, fmt.Errorf("%w: %s", registry.ErrRecordNotFound, id)
	}
	if rec.Status != models.StatusValid {
		return rec, fmt.Errorf("%w: %s is %s", ErrNotValid, id, rec.Status)
	}

	accepted, err := e.endpoint.UpdateMetadata(ctx, id, update)
	if err != nil {
		if update.Name != nil && api.IsNameConflictError(err) {
			e.logger.Warn().Str("record_id", id).Str("name", *update.Name).Msg("rename rejected: name in use")
			return rec, &NameConflictError{ID: id, AttemptedName: *update.Name, Cause: err}
		}
		return rec, fmt.Errorf("update metadata for %s: %w", id, err)
	}
	if accepted == nil {
		accepted = &update
	}

	// Only the fields that were sent are applied, whatever else the server echoed
	patch := registry.Patch{}
	if update.Name != nil {
		patch.Name = update.Name
		if accepted.Name != nil {
			patch.Name = accepted.Name
		}
	}
	if update.Description != nil {
		patch.Description = update.Description
		if accepted.Description != nil {
			patch.Description = accepted.Description
		}
	}

	_, after, err := e.store.Update(id, patch)
	if err != nil {
		return rec, fmt.Errorf("apply metadata for %s: %w", id, err)
	}
	e.logger.Info().Str("record_id", id).Msg("metadata updated")
	return after, nil
}
