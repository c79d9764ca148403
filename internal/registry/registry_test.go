package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-assets/internal/models"
)

func pending(ids ...string) []models.ValidationRecord {
	out := make([]models.ValidationRecord, len(ids))
	for i, id := range ids {
		out[i] = models.ValidationRecord{ID: id, Name: id + ".csv", Status: models.StatusPending}
	}
	return out
}

func status(s models.Status) *models.Status { return &s }

func TestSeed_PreservesOrderAndReturnsNewIDs(t *testing.T) {
	r := New()

	added := r.Seed(pending("a", "b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, added)

	added = r.Seed(pending("b", "d"))
	assert.Equal(t, []string{"d"}, added)

	var ids []string
	for _, rec := range r.All() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, 4, r.Len())
}

func TestSeed_IdempotentAgainstTerminal(t *testing.T) {
	r := New()
	r.Seed(pending("a"))

	_, _, err := r.Update("a", Patch{Status: status(models.StatusValid)})
	require.NoError(t, err)

	before := r.All()
	added := r.Seed(pending("a"))
	assert.Empty(t, added)
	assert.Equal(t, before, r.All(), "re-seeding must not change registry state")

	rec, _ := r.Get("a")
	assert.Equal(t, models.StatusValid, rec.Status)
}

func TestSeed_SkipsEmptyIDAndDefaultsStatus(t *testing.T) {
	r := New()
	added := r.Seed([]models.ValidationRecord{{Name: "orphan"}, {ID: "x"}})
	assert.Equal(t, []string{"x"}, added)

	rec, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestUpdate_TransitionRules(t *testing.T) {
	tests := []struct {
		name    string
		from    models.Status
		to      models.Status
		wantErr error
	}{
		{"pending to valid", models.StatusPending, models.StatusValid, nil},
		{"pending to invalid", models.StatusPending, models.StatusInvalid, nil},
		{"pending to error", models.StatusPending, models.StatusError, nil},
		{"pending to cancelled", models.StatusPending, models.StatusCancelled, nil},
		{"pending to unknown", models.StatusPending, "Exploded", ErrInvalidTransition},
		{"valid to invalid", models.StatusValid, models.StatusInvalid, ErrTerminalRecord},
		{"error to pending", models.StatusError, models.StatusPending, ErrTerminalRecord},
		{"cancelled to valid", models.StatusCancelled, models.StatusValid, ErrTerminalRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Seed([]models.ValidationRecord{{ID: "a", Status: tt.from}})

			_, after, err := r.Update("a", Patch{Status: status(tt.to)})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				rec, _ := r.Get("a")
				assert.Equal(t, tt.from, rec.Status, "rejected update must not change status")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, after.Status)
		})
	}
}

func TestUpdate_PendingToPendingIsNoop(t *testing.T) {
	r := New()
	r.Seed(pending("a"))
	_, after, err := r.Update("a", Patch{Status: status(models.StatusPending)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, after.Status)
}

func TestUpdate_MergesOnlySuppliedFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewWithClock(func() time.Time { return now })
	r.Seed([]models.ValidationRecord{{ID: "a", Name: "orig", Description: "keep", Status: models.StatusPending}})

	fields := &models.ValidationFields{Format: "csv", Shape: []int64{10, 3}}
	_, after, err := r.Update("a", Patch{Status: status(models.StatusValid), Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, "orig", after.Name)
	assert.Equal(t, "keep", after.Description)
	assert.Equal(t, "csv", after.Fields.Format)
	assert.Equal(t, now, after.UpdatedAt)

	// metadata edits on terminal records are allowed
	name := "renamed"
	before, after, err := r.Update("a", Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "orig", before.Name)
	assert.Equal(t, "renamed", after.Name)
	assert.Equal(t, models.StatusValid, after.Status)

	// callers cannot mutate stored fields through the patch they passed in
	fields.Shape[0] = 99
	rec, _ := r.Get("a")
	assert.Equal(t, int64(10), rec.Fields.Shape[0])
}

func TestUpdate_TerminalRecordIsFrozen(t *testing.T) {
	r := New()
	r.Seed(pending("a", "b"))
	_, _, err := r.Update("a", Patch{Status: status(models.StatusInvalid), ErrorMessages: []string{"bad header"}})
	require.NoError(t, err)
	_, _, err = r.Update("b", Patch{Status: status(models.StatusValid), Fields: &models.ValidationFields{Format: "csv"}})
	require.NoError(t, err)

	name := "renamed"
	desc := "notes"
	tests := []struct {
		name  string
		id    string
		patch Patch
	}{
		{"rename invalid", "a", Patch{Name: &name}},
		{"describe invalid", "a", Patch{Description: &desc}},
		{"rewrite errors", "a", Patch{ErrorMessages: []string{"rewritten"}}},
		{"rewrite fields", "a", Patch{Fields: &models.ValidationFields{Format: "csv"}}},
		{"rewrite valid fields", "b", Patch{Fields: &models.ValidationFields{Format: "parquet"}}},
		{"errors on valid", "b", Patch{ErrorMessages: []string{"late"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := r.Get(tt.id)
			_, after, err := r.Update(tt.id, tt.patch)
			assert.ErrorIs(t, err, ErrTerminalRecord)
			assert.Equal(t, before, after)
			rec, _ := r.Get(tt.id)
			assert.Equal(t, before, rec)
		})
	}

	rec, _ := r.Get("a")
	assert.Equal(t, []string{"bad header"}, rec.ErrorMessages)
	assert.Nil(t, rec.Fields)

	_, after, err := r.Update("b", Patch{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "renamed", after.Name)
	assert.Equal(t, "notes", after.Description)
	assert.Equal(t, "csv", after.Fields.Format)
}

func TestUpdate_NotFound(t *testing.T) {
	r := New()
	_, _, err := r.Update("missing", Patch{})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestIsAllTerminalAndPending(t *testing.T) {
	r := New()
	assert.True(t, r.IsAllTerminal(), "empty registry is all-terminal")

	r.Seed(pending("a", "b", "c"))
	assert.False(t, r.IsAllTerminal())
	assert.Equal(t, []string{"a", "b", "c"}, r.Pending())

	_, _, _ = r.Update("b", Patch{Status: status(models.StatusInvalid)})
	assert.Equal(t, []string{"a", "c"}, r.Pending())
	assert.Equal(t, []string{"c"}, r.Pending("b", "c", "zzz"))

	_, _, _ = r.Update("a", Patch{Status: status(models.StatusValid)})
	_, _, _ = r.Update("c", Patch{Status: status(models.StatusError)})
	assert.True(t, r.IsAllTerminal())
	assert.Empty(t, r.Pending())

	counts := r.Counts()
	assert.Equal(t, 1, counts[models.StatusValid])
	assert.Equal(t, 1, counts[models.StatusInvalid])
	assert.Equal(t, 1, counts[models.StatusError])
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := New()
	r.Seed([]models.ValidationRecord{{ID: "a", ErrorMessages: []string{"x"}}})

	rec, _ := r.Get("a")
	rec.ErrorMessages[0] = "mutated"

	again, _ := r.Get("a")
	assert.Equal(t, "x", again.ErrorMessages[0])
}
