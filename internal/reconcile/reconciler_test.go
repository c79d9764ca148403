package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/registry"
	"github.com/rescale/rescale-assets/internal/testutil"
)

func setup(t *testing.T, ids ...string) (*Reconciler, *registry.Registry, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.NewWithClock(clk.Now)
	var recs []models.ValidationRecord
	for _, id := range ids {
		recs = append(recs, models.ValidationRecord{ID: id, Status: models.StatusPending})
	}
	reg.Seed(recs)
	return New(reg, clk, time.Minute, 4), reg, clk
}

func statusOf(t *testing.T, reg *registry.Registry, id string) models.Status {
	t.Helper()
	rec, ok := reg.Get(id)
	require.True(t, ok, "record %s not found", id)
	return rec.Status
}

func TestApply_ValidCarriesFields(t *testing.T) {
	rc, reg, _ := setup(t, "a")

	res := rc.Apply(models.StatusUpdate{
		ID:     "a",
		Status: models.StatusValid,
		Fields: &models.ValidationFields{Format: "parquet", Shape: []int64{100, 4}},
	})
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, models.StatusPending, res.Before.Status)
	assert.Equal(t, models.StatusValid, res.After.Status)

	rec, _ := reg.Get("a")
	require.NotNil(t, rec.Fields)
	assert.Equal(t, "parquet", rec.Fields.Format)
}

func TestApply_InvalidCarriesErrors(t *testing.T) {
	rc, reg, _ := setup(t, "b")

	res := rc.Apply(models.StatusUpdate{ID: "b", Status: models.StatusInvalid, ErrorMessages: []string{"missing header row"}})
	assert.Equal(t, Applied, res.Outcome)

	rec, _ := reg.Get("b")
	assert.Equal(t, []string{"missing header row"}, rec.ErrorMessages)
	assert.Nil(t, rec.Fields)
}

func TestApply_PendingEchoIgnored(t *testing.T) {
	rc, reg, _ := setup(t, "a")

	assert.Equal(t, IgnoredEcho, rc.Apply(models.StatusUpdate{ID: "a", Status: models.StatusPending}).Outcome)
	assert.Equal(t, models.StatusPending, statusOf(t, reg, "a"))
}

func TestApply_TerminalIsWriteOnce(t *testing.T) {
	rc, reg, _ := setup(t, "a", "c")

	// local cancellation lands first
	_, _, err := reg.Update("c", registry.Patch{Status: models.StatusPtr(models.StatusCancelled)})
	require.NoError(t, err)

	rc.Apply(models.StatusUpdate{ID: "a", Status: models.StatusValid})

	tests := []models.StatusUpdate{
		{ID: "a", Status: models.StatusInvalid},
		{ID: "a", Status: models.StatusPending},
		{ID: "c", Status: models.StatusValid},
		{ID: "c", Status: models.StatusPending},
	}
	for _, u := range tests {
		assert.Equal(t, IgnoredTerminal, rc.Apply(u).Outcome, "%s -> %s", u.ID, u.Status)
	}
	assert.Equal(t, models.StatusValid, statusOf(t, reg, "a"))
	assert.Equal(t, models.StatusCancelled, statusOf(t, reg, "c"))
}

func TestApply_RejectsMalformed(t *testing.T) {
	rc, reg, _ := setup(t, "a")

	assert.Equal(t, Rejected, rc.Apply(models.StatusUpdate{Status: models.StatusValid}).Outcome)

	for _, s := range []models.Status{models.StatusError, models.StatusCancelled, "Weird"} {
		res := rc.Apply(models.StatusUpdate{ID: "a", Status: s})
		assert.Equal(t, Rejected, res.Outcome, "status %s", s)
		assert.Error(t, res.Err)
	}
	assert.Equal(t, models.StatusPending, statusOf(t, reg, "a"))
}

func TestApply_UnknownPendingDropped(t *testing.T) {
	rc, _, _ := setup(t)
	assert.Equal(t, Dropped, rc.Apply(models.StatusUpdate{ID: "other", Status: models.StatusPending}).Outcome)
	assert.Equal(t, 0, rc.Buffered())
}

func TestEarlyArrival_ReplayedOnSeed(t *testing.T) {
	rc, reg, _ := setup(t)

	res := rc.Apply(models.StatusUpdate{ID: "x", Status: models.StatusValid, Fields: &models.ValidationFields{Format: "csv"}})
	assert.Equal(t, Buffered, res.Outcome)
	// first terminal wins for buffered ids too
	rc.Apply(models.StatusUpdate{ID: "x", Status: models.StatusInvalid})
	assert.Equal(t, 1, rc.Buffered())

	added := reg.Seed([]models.ValidationRecord{{ID: "x", Status: models.StatusPending}, {ID: "y", Status: models.StatusPending}})
	replayed := rc.OnSeeded(added)

	require.Len(t, replayed, 1)
	assert.Equal(t, "x", replayed[0].ID)
	assert.Equal(t, models.StatusValid, statusOf(t, reg, "x"))
	assert.Equal(t, models.StatusPending, statusOf(t, reg, "y"))
	assert.Equal(t, 0, rc.Buffered())
}

func TestEarlyArrival_ExpiresAfterTTL(t *testing.T) {
	rc, reg, clk := setup(t)

	rc.Apply(models.StatusUpdate{ID: "x", Status: models.StatusValid})
	clk.Advance(time.Minute)
	assert.Equal(t, 0, rc.Buffered())

	added := reg.Seed([]models.ValidationRecord{{ID: "x", Status: models.StatusPending}})
	assert.Empty(t, rc.OnSeeded(added))
	assert.Equal(t, models.StatusPending, statusOf(t, reg, "x"))
}

func TestEarlyArrival_CapacityEvictsOldest(t *testing.T) {
	rc, reg, clk := setup(t)

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		rc.Apply(models.StatusUpdate{ID: id, Status: models.StatusInvalid})
		clk.Advance(time.Second)
	}
	assert.Equal(t, 4, rc.Buffered())

	var recs []models.ValidationRecord
	for _, id := range []string{"e1", "e2", "e5"} {
		recs = append(recs, models.ValidationRecord{ID: id, Status: models.StatusPending})
	}
	replayed := rc.OnSeeded(reg.Seed(recs))

	var ids []string
	for _, r := range replayed {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"e2", "e5"}, ids, "e1 was evicted")
	assert.Equal(t, models.StatusPending, statusOf(t, reg, "e1"))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ignored_echo", IgnoredEcho.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
