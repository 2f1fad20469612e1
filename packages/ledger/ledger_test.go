package ledger

import (
	"testing"

	"github.com/gabaker/thorium/packages/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(user string) models.LedgerKey {
	return models.LedgerKey{Group: "g", Pipeline: "p1", Stage: 0, User: user}
}

func TestRequestSlotRespectsUserQuota(t *testing.T) {
	l := New(Quotas{PerUserMaxRunning: 1})
	g1 := l.RequestSlot(key("alice"))
	require.True(t, g1.Granted)

	g2 := l.RequestSlot(key("alice"))
	assert.False(t, g2.Granted)
	assert.Equal(t, BlockedUserQuota, g2.Reason)
}

func TestCompleteDecrementsRunningAndDeadlines(t *testing.T) {
	l := New(Quotas{})
	k := key("bob")
	l.RequestSlot(k)
	l.Complete(k, true)
	e := l.Entry(k)
	assert.Equal(t, 0, e.Running)
	assert.Equal(t, 0, e.Deadlines)
	assert.Equal(t, 1, e.Completed)
}

func TestCountersNeverGoNegative(t *testing.T) {
	l := New(Quotas{})
	k := key("carl")
	l.ReleaseSlot(k)
	l.Complete(k, false)
	e := l.Entry(k)
	assert.GreaterOrEqual(t, e.Running, 0)
	assert.GreaterOrEqual(t, e.Deadlines, 0)
}

func TestSleepAndWake(t *testing.T) {
	l := New(Quotas{})
	k := key("dana")
	l.RequestSlot(k)
	l.Sleep(k)
	e := l.Entry(k)
	assert.Equal(t, 0, e.Running)
	assert.Equal(t, 1, e.Sleeping)

	l.Wake(k)
	e = l.Entry(k)
	assert.Equal(t, 0, e.Sleeping)
	assert.Equal(t, 1, e.Deadlines)
}

func TestFairShareMonotonicity(t *testing.T) {
	// P4: a user with zero running jobs has a ratio <= a user with > 0.
	l := New(Quotas{PerUserMaxRunning: 4})
	busy := key("busy")
	idle := key("idle")
	l.RequestSlot(busy)
	assert.LessOrEqual(t, l.FairShareRatio(idle), l.FairShareRatio(busy))
}
