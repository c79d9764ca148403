package sentinel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-assets/internal/testutil"
)

type expiries struct {
	mu    sync.Mutex
	fired []*Sentinel
}

func (e *expiries) record(s *Sentinel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fired = append(e.fired, s)
}

func (e *expiries) list() []*Sentinel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Sentinel(nil), e.fired...)
}

func newSet(t *testing.T) (*Set, *testutil.FakeClock, *expiries) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	exp := &expiries{}
	return NewSet(clk, 60*time.Second, exp.record), clk, exp
}

func TestSentinel_FiresAtDeadline(t *testing.T) {
	set, clk, exp := newSet(t)

	sn := set.Start("batch-1", []string{"a", "b"})
	require.NotNil(t, sn)
	assert.Equal(t, clk.Now().Add(60*time.Second), sn.Deadline())
	assert.Equal(t, 1, set.Active())

	clk.Advance(59 * time.Second)
	assert.Empty(t, exp.list())
	assert.True(t, sn.Active())

	clk.Advance(time.Second)
	fired := exp.list()
	require.Len(t, fired, 1)
	assert.Equal(t, []string{"a", "b"}, fired[0].IDs())
	assert.Equal(t, "batch-1", fired[0].BatchID())
	assert.False(t, sn.Active())
	assert.Equal(t, 0, set.Active())

	assert.False(t, sn.Stop(), "stopping a fired sentinel reports false")
}

func TestSentinel_StopPreventsExpiry(t *testing.T) {
	set, clk, exp := newSet(t)

	sn := set.Start("b", []string{"a"})
	assert.True(t, sn.Stop())
	assert.False(t, sn.Stop(), "second stop is a no-op")

	clk.Advance(2 * time.Minute)
	assert.Empty(t, exp.list())
	assert.Equal(t, 0, clk.ActiveTimers())
}

func TestSet_EmptyIDsStartsNothing(t *testing.T) {
	set, clk, _ := newSet(t)
	assert.Nil(t, set.Start("b", nil))
	assert.Equal(t, 0, set.Active())
	assert.Equal(t, 0, clk.ActiveTimers())
}

func TestSet_IndependentCountdownsPerSeeding(t *testing.T) {
	set, clk, exp := newSet(t)

	first := set.Start("b1", []string{"a"})
	clk.Advance(30 * time.Second)
	second := set.Start("b2", []string{"x", "y"})

	// the second seeding does not extend the first countdown
	clk.Advance(30 * time.Second)
	fired := exp.list()
	require.Len(t, fired, 1)
	assert.Equal(t, first.Seq(), fired[0].Seq())
	assert.True(t, second.Active())

	clk.Advance(30 * time.Second)
	fired = exp.list()
	require.Len(t, fired, 2)
	assert.Equal(t, second.Seq(), fired[1].Seq())
	assert.Greater(t, second.Seq(), first.Seq())
}

func TestSet_StopSettled(t *testing.T) {
	set, clk, exp := newSet(t)

	set.Start("b1", []string{"a", "b"})
	set.Start("b2", []string{"c"})

	settled := map[string]bool{"a": true, "c": true}
	n := set.StopSettled(func(id string) bool { return settled[id] })
	assert.Equal(t, 1, n, "only the sentinel over c is fully settled")
	assert.Equal(t, 1, set.Active())

	clk.Advance(time.Minute)
	fired := exp.list()
	require.Len(t, fired, 1)
	assert.Equal(t, []string{"a", "b"}, fired[0].IDs())
}

func TestSet_StopAll(t *testing.T) {
	set, clk, exp := newSet(t)
	set.Start("b1", []string{"a"})
	set.Start("b2", []string{"b"})

	assert.Equal(t, 2, set.StopAll())
	clk.Advance(time.Hour)
	assert.Empty(t, exp.list())
}

func TestSet_RealClockZeroTimeout(t *testing.T) {
	done := make(chan *Sentinel, 1)
	set := NewSet(nil, 0, func(s *Sentinel) { done <- s })
	set.Start("b", []string{"a"})

	select {
	case s := <-done:
		assert.Equal(t, []string{"a"}, s.IDs())
	case <-time.After(time.Second):
		t.Fatal("zero timeout sentinel should fire promptly")
	}
}
