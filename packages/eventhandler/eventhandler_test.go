package eventhandler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabaker/thorium/packages/models"
)

const (
	testTimeout = time.Second
	testTick    = 10 * time.Millisecond
)

type fakePipelineSource struct {
	byGroup map[string][]models.Pipeline
}

func (f *fakePipelineSource) ListPipelines(group string) []models.Pipeline { return f.byGroup[group] }

type fakeCreator struct {
	mu    sync.Mutex
	saved []*models.Reaction
}

func (f *fakeCreator) Save(_ context.Context, r *models.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, r)
	return nil
}

type memSeen struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemSeen() *memSeen { return &memSeen{seen: map[string]bool{}} }

func (m *memSeen) MarkSeen(_ context.Context, eventID, pipelineID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventID + "/" + pipelineID
	if m.seen[key] {
		return true, nil
	}
	m.seen[key] = true
	return false, nil
}

func testPipeline() models.Pipeline {
	return models.Pipeline{
		Group: "acme",
		Name:  "ingest",
		Order: []models.Stage{{"scan"}},
		SLA:   600,
		Triggers: []models.Trigger{
			{Kind: models.TriggerTag, Required: map[string][]string{"kind": {"raw"}}},
		},
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleCreatesReactionOnMatchingTrigger(t *testing.T) {
	p := testPipeline()
	src := &fakePipelineSource{byGroup: map[string][]models.Pipeline{"acme": {p}}}
	creator := &fakeCreator{}
	seen := newMemSeen()
	h := New(newTestLogger(), src, creator, seen, 8)

	err := h.handle(context.Background(), Event{
		ID:        "evt-1",
		Kind:      models.TriggerTag,
		Group:     "acme",
		SampleRef: "sample://abc",
		Tags:      map[string][]string{"kind": {"raw"}},
	})
	require.NoError(t, err)
	require.Len(t, creator.saved, 1)
	assert.Equal(t, "acme", creator.saved[0].Group)
	assert.Equal(t, "ingest", creator.saved[0].Pipeline)
	assert.Equal(t, "sample://abc", creator.saved[0].SampleRef)
}

func TestHandleSkipsNonMatchingTrigger(t *testing.T) {
	p := testPipeline()
	src := &fakePipelineSource{byGroup: map[string][]models.Pipeline{"acme": {p}}}
	creator := &fakeCreator{}
	seen := newMemSeen()
	h := New(newTestLogger(), src, creator, seen, 8)

	err := h.handle(context.Background(), Event{
		ID:    "evt-1",
		Kind:  models.TriggerTag,
		Group: "acme",
		Tags:  map[string][]string{"kind": {"processed"}},
	})
	require.NoError(t, err)
	assert.Empty(t, creator.saved)
}

func TestHandleIsIdempotentByEventAndPipeline(t *testing.T) {
	p := testPipeline()
	src := &fakePipelineSource{byGroup: map[string][]models.Pipeline{"acme": {p}}}
	creator := &fakeCreator{}
	seen := newMemSeen()
	h := New(newTestLogger(), src, creator, seen, 8)

	event := Event{
		ID:    "evt-1",
		Kind:  models.TriggerTag,
		Group: "acme",
		Tags:  map[string][]string{"kind": {"raw"}},
	}
	require.NoError(t, h.handle(context.Background(), event))
	require.NoError(t, h.handle(context.Background(), event))

	assert.Len(t, creator.saved, 1)
}

func TestRunDrainsSubmittedEventsUntilStopped(t *testing.T) {
	p := testPipeline()
	src := &fakePipelineSource{byGroup: map[string][]models.Pipeline{"acme": {p}}}
	creator := &fakeCreator{}
	seen := newMemSeen()
	h := New(newTestLogger(), src, creator, seen, 8)

	h.Submit(Event{ID: "evt-1", Kind: models.TriggerTag, Group: "acme", Tags: map[string][]string{"kind": {"raw"}}})
	h.Submit(Event{ID: "evt-2", Kind: models.TriggerTag, Group: "acme", Tags: map[string][]string{"kind": {"raw"}}})

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		creator.mu.Lock()
		defer creator.mu.Unlock()
		return len(creator.saved) == 2
	}, testTimeout, testTick)

	h.Stop()
	require.NoError(t, <-done)
}
