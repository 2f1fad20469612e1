package reaction

import (
	"testing"
	"time"

	"github.com/gabaker/thorium/packages/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReaction(order []models.Stage, sla int) models.Reaction {
	return models.NewReaction("r1", "g", "p1", "alice", "sample1", time.Unix(0, 0), sla, order)
}

func TestSingleStageHappyPath(t *testing.T) {
	m := New()
	r := newTestReaction([]models.Stage{{"clamav"}}, 60)
	now := time.Unix(0, 0)

	ok := m.Claim(&r, "clamav", models.ClaimToken{ReactionID: r.ID, StageIdx: 0, Image: "clamav"}, "w1", now)
	require.True(t, ok)
	assert.Equal(t, models.StageRunning, r.Stages[0].Images["clamav"].State)

	m.CompleteImage(&r, "clamav", now.Add(time.Second))
	assert.True(t, r.Terminal)
	assert.Equal(t, models.FailureNone, r.Reason)
}

func TestStageCompletesOnlyWhenAllImagesComplete(t *testing.T) {
	m := New()
	r := newTestReaction([]models.Stage{{"unpack"}, {"yara", "strings"}}, 120)
	now := time.Unix(0, 0)

	m.Claim(&r, "unpack", models.ClaimToken{}, "w1", now)
	m.CompleteImage(&r, "unpack", now)
	require.Equal(t, 1, r.StageIdx)

	m.Claim(&r, "yara", models.ClaimToken{}, "w2", now)
	m.Claim(&r, "strings", models.ClaimToken{}, "w3", now)
	m.CompleteImage(&r, "yara", now)
	assert.False(t, r.Terminal, "stage must not complete until strings finishes too")

	m.CompleteImage(&r, "strings", now)
	assert.True(t, r.Terminal)
}

func TestAnyFailedImageFailsTheStage(t *testing.T) {
	m := New()
	r := newTestReaction([]models.Stage{{"yara", "strings"}}, 60)
	now := time.Unix(0, 0)

	m.Claim(&r, "yara", models.ClaimToken{}, "w1", now)
	m.Claim(&r, "strings", models.ClaimToken{}, "w2", now)
	m.FailImage(&r, "yara", models.FailureBadOutput, false, now)

	assert.True(t, r.Terminal)
	assert.Equal(t, models.FailureBadOutput, r.Reason)
}

func TestRetryOnWorkerLost(t *testing.T) {
	m := New()
	r := newTestReaction([]models.Stage{{"clamav"}}, 600)
	now := time.Unix(0, 0)

	for i := 0; i < MaxRetries; i++ {
		m.Claim(&r, "clamav", models.ClaimToken{}, "w", now)
		m.FailImage(&r, "clamav", models.FailureWorkerLost, true, now)
		assert.False(t, r.Terminal, "retry %d should not terminate the reaction", i)
		assert.Equal(t, models.StageCreated, r.Stages[0].Images["clamav"].State)
	}

	// 4th loss exhausts the retry budget.
	m.Claim(&r, "clamav", models.ClaimToken{}, "w", now)
	m.FailImage(&r, "clamav", models.FailureWorkerLost, true, now)
	assert.True(t, r.Terminal)
}

func TestSLAExpiry(t *testing.T) {
	m := New()
	r := newTestReaction([]models.Stage{{"slow-tool"}}, 2)
	now := time.Unix(0, 0)
	m.Claim(&r, "slow-tool", models.ClaimToken{}, "w1", now)

	m.CheckSLA(&r, now.Add(1*time.Second))
	assert.False(t, r.Terminal)

	m.CheckSLA(&r, now.Add(3*time.Second))
	assert.True(t, r.Terminal)
	assert.Equal(t, models.FailureSLAExpired, r.Reason)
}

func TestGeneratorWakesOnLastChildTerminal(t *testing.T) {
	m := New()
	r := newTestReaction([]models.Stage{{"unzipper"}}, 120)
	now := time.Unix(0, 0)

	m.Claim(&r, "unzipper", models.ClaimToken{}, "w1", now)
	m.StartGenerator(&r, "unzipper", []string{"c1", "c2", "c3"}, []string{"p1"}, now)
	assert.Equal(t, models.StageSleeping, r.Stages[0].Images["unzipper"].State)

	m.ChildTerminal(&r, "unzipper")
	m.ChildTerminal(&r, "unzipper")
	assert.Equal(t, models.StageSleeping, r.Stages[0].Images["unzipper"].State)

	m.ChildTerminal(&r, "unzipper")
	assert.Equal(t, models.StageCreated, r.Stages[0].Images["unzipper"].State)
}

func TestWouldCycleDetectsGeneratorAcyclicity(t *testing.T) {
	assert.True(t, WouldCycle([]string{"p1", "p2"}, "p1"))
	assert.False(t, WouldCycle([]string{"p1", "p2"}, "p3"))
}
