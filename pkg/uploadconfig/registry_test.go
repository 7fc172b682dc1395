package uploadconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDemandCreatesZeroedEntry(t *testing.T) {
	r := New(0)

	c := r.Get("f1", "c1")
	require.NotNil(t, c)
	assert.Equal(t, "f1", c.FileID())
	assert.Equal(t, "c1", c.ClientID())
	assert.False(t, c.Paused())
	assert.False(t, c.Cancelled())
	assert.Equal(t, int64(0), c.Allowance())

	again := r.Get("f1", "ignored")
	assert.Same(t, c, again)
}

func TestPeekDoesNotCreate(t *testing.T) {
	r := New(0)
	_, ok := r.Peek("missing")
	assert.False(t, ok)
}

func TestPauseResumeReset(t *testing.T) {
	r := New(0)
	r.Pause("f1", "c1")
	c, ok := r.Peek("f1")
	require.True(t, ok)
	assert.True(t, c.Paused())

	r.Resume("f1", "c1")
	assert.False(t, c.Paused())

	r.MarkCancel("f1")
	assert.True(t, c.Cancelled())

	r.Reset("f1")
	assert.False(t, c.Paused())
	assert.False(t, c.Cancelled())
}

func TestMarkCancelReportsExistence(t *testing.T) {
	r := New(0)
	assert.False(t, r.MarkCancel("missing"))

	r.Get("f1", "c1")
	assert.True(t, r.MarkCancel("f1"))
}

func TestAssignRate(t *testing.T) {
	r := New(0)
	r.AssignRate("f1", "c1", 512)
	c, ok := r.Peek("f1")
	require.True(t, ok)
	assert.Equal(t, int64(512), c.DesiredRateKB())
}

func TestConsumeRespectsAllowance(t *testing.T) {
	c := newConfiguration("f1", "c1")
	c.SetAllowance(100)

	assert.True(t, c.Consume(60))
	assert.Equal(t, int64(40), c.Allowance())

	assert.False(t, c.Consume(60))
	assert.Equal(t, int64(0), c.Allowance())

	assert.Equal(t, int64(100), c.TakeConsumedSinceTick())
	assert.Equal(t, int64(0), c.TakeConsumedSinceTick())
}

func TestGetAllAndActiveEntries(t *testing.T) {
	r := New(0)
	r.Get("f1", "c1")
	r.Get("f2", "c1")

	assert.Len(t, r.GetAll(), 2)
	assert.Len(t, r.ActiveEntries(), 2)
}

func TestRemoveDiscardsEntry(t *testing.T) {
	r := New(0)
	r.Get("f1", "c1")
	r.Remove("f1")
	_, ok := r.Peek("f1")
	assert.False(t, ok)
}

func TestSweepEvictsOnlyIdleEntries(t *testing.T) {
	r := New(10 * time.Millisecond)

	r.Get("stale", "c1")
	time.Sleep(20 * time.Millisecond)
	r.Get("fresh", "c1")

	r.sweep()

	_, staleStillThere := r.Peek("stale")
	_, freshStillThere := r.Peek("fresh")
	assert.False(t, staleStillThere)
	assert.True(t, freshStillThere)
}
