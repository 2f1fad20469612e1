package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gabaker/thorium/packages/agent"
	"github.com/gabaker/thorium/packages/bans"
	"github.com/gabaker/thorium/packages/backend"
	"github.com/gabaker/thorium/packages/ledger"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	reactions map[string]*models.Reaction
}

func (f *fakeRepo) ListActive(ctx context.Context) ([]*models.Reaction, error) {
	var out []*models.Reaction
	for _, r := range f.reactions {
		if !r.Terminal {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) Save(ctx context.Context, r *models.Reaction) error {
	f.reactions[r.ID] = r
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*models.Reaction, error) {
	r, ok := f.reactions[id]
	if !ok {
		return nil, fmt.Errorf("reaction %s not found", id)
	}
	return r, nil
}

type fakeImages struct{ images map[string]models.Image }

func (f fakeImages) Image(id string) (models.Image, bool) { i, ok := f.images[id]; return i, ok }

type fakePipelines struct{ pipelines map[string]models.Pipeline }

func (f fakePipelines) Pipeline(id string) (models.Pipeline, bool) {
	p, ok := f.pipelines[id]
	return p, ok
}

func (f fakePipelines) ListPipelines(group string) []models.Pipeline {
	var out []models.Pipeline
	for _, p := range f.pipelines {
		if p.Group == group {
			out = append(out, p)
		}
	}
	return out
}

type fakeDriver struct {
	spawned  []backend.WorkerSpec
	finished map[string]bool
}

func (d *fakeDriver) Kind() models.BackendKind { return models.BackendKindK8s }
func (d *fakeDriver) Snapshot(ctx context.Context) (backend.Snapshot, error) {
	return backend.Snapshot{Nodes: []backend.Node{{
		ID:            "n1",
		Capacity:      resources.Resources{CPU: 10000, Memory: 10 << 30},
		BurstCapacity: resources.Resources{CPU: 10000, Memory: 10 << 30},
	}}}, nil
}
func (d *fakeDriver) Spawn(ctx context.Context, spec backend.WorkerSpec) (backend.SpawnResult, error) {
	d.spawned = append(d.spawned, spec)
	return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: "w-" + spec.ReactionID}, nil
}
func (d *fakeDriver) Observe(ctx context.Context, workerID string) (backend.ObserveResult, error) {
	if d.finished[workerID] {
		return backend.ObserveResult{State: backend.ObserveFinished}, nil
	}
	return backend.ObserveResult{State: backend.ObserveRunning}, nil
}
func (d *fakeDriver) Kill(ctx context.Context, workerID string, reason string) error { return nil }

type noopIndex struct{}

func (noopIndex) PipelinesContainingImage(string) []string { return nil }

func TestTickSpawnsAWorkerForAPendingStage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := models.NewReaction("r1", "g", "p1", "alice", "sample", time.Now(), 60, []models.Stage{{"clamav"}})
	repo := &fakeRepo{reactions: map[string]*models.Reaction{"r1": &r}}
	images := fakeImages{images: map[string]models.Image{
		"g/clamav": {Name: "clamav", Group: "g", Container: "clamav:latest", Resources: resources.Resources{CPU: 250, Memory: 1 << 20}},
	}}
	pipelines := fakePipelines{pipelines: map[string]models.Pipeline{
		"g/p1": {Group: "g", Name: "p1", Order: []models.Stage{{"clamav"}}, SLA: 60},
	}}
	driver := &fakeDriver{finished: map[string]bool{}}

	s := New(DefaultConfig(), logger, ledger.New(ledger.Quotas{}), bans.New(noopIndex{}), repo, images, pipelines,
		map[models.BackendKind]backend.Driver{models.BackendKindK8s: driver})

	require.NoError(t, s.Tick(context.Background()))

	assert.Len(t, driver.spawned, 1)
	assert.Equal(t, models.StageRunning, r.Stages[0].Images["clamav"].State)
}

func TestBannedPipelineIsNotScheduled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := models.NewReaction("r2", "g", "p2", "alice", "sample", time.Now(), 60, []models.Stage{{"yara"}})
	repo := &fakeRepo{reactions: map[string]*models.Reaction{"r2": &r}}
	images := fakeImages{images: map[string]models.Image{
		"g/yara": {Name: "yara", Group: "g", Container: "yara:latest", Resources: resources.Resources{CPU: 250, Memory: 1 << 20}},
	}}
	pipelines := fakePipelines{}
	driver := &fakeDriver{finished: map[string]bool{}}

	banRegistry := bans.New(noopIndex{})
	banRegistry.Ban("ban1", "g/p2", models.BanKind{Kind: models.BanKindGeneric}, time.Now())

	s := New(DefaultConfig(), logger, ledger.New(ledger.Quotas{}), banRegistry, repo, images, pipelines,
		map[models.BackendKind]backend.Driver{models.BackendKindK8s: driver})

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, driver.spawned)
}

func TestSpawnIsIdempotentByClaim(t *testing.T) {
	// P6: spawning twice for the same (reaction, stage, image) must not
	// create two live workers; the fake driver always returns the same
	// worker id for the same reaction here to model driver-side dedup.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r1 := models.NewReaction("r3", "g", "p1", "alice", "s", time.Now(), 60, []models.Stage{{"clamav"}})
	repo := &fakeRepo{reactions: map[string]*models.Reaction{"r3": &r1}}
	images := fakeImages{images: map[string]models.Image{
		"g/clamav": {Name: "clamav", Group: "g", Container: "clamav:latest", Resources: resources.Resources{CPU: 250, Memory: 1 << 20}},
	}}
	pipelines := fakePipelines{}
	driver := &fakeDriver{finished: map[string]bool{}}

	s := New(DefaultConfig(), logger, ledger.New(ledger.Quotas{}), bans.New(noopIndex{}), repo, images, pipelines,
		map[models.BackendKind]backend.Driver{models.BackendKindK8s: driver})

	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	assert.Len(t, driver.spawned, 1)
	assert.Equal(t, models.StageRunning, r1.Stages[0].Images["clamav"].State)
}

func TestHandleReportSleepSpawnsGeneratorChild(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	parent := models.NewReaction("r-gen", "g", "unpack-pipe", "alice", "sample", time.Now(), 600, []models.Stage{{"unpacker"}})
	repo := &fakeRepo{reactions: map[string]*models.Reaction{"r-gen": &parent}}
	images := fakeImages{images: map[string]models.Image{
		"g/unpacker": {Name: "unpacker", Group: "g", Container: "unpacker:latest", Generator: true},
	}}
	pipelines := fakePipelines{pipelines: map[string]models.Pipeline{
		"g/child-pipe": {
			Group:    "g",
			Name:     "child-pipe",
			SLA:      60,
			Order:    []models.Stage{{"clamav"}},
			Triggers: []models.Trigger{{Kind: models.TriggerNewSample}},
		},
	}}
	driver := &fakeDriver{finished: map[string]bool{}}

	s := New(DefaultConfig(), logger, ledger.New(ledger.Quotas{}), bans.New(noopIndex{}), repo, images, pipelines,
		map[models.BackendKind]backend.Driver{models.BackendKindK8s: driver})

	report := AgentReport{
		Claim:    models.ClaimToken{ReactionID: "r-gen", StageIdx: 0, Image: "unpacker"},
		Outcome:  "sleep",
		Children: []agent.ChildSample{{OriginKind: string(models.TriggerNewSample), Path: "carved/a.bin"}},
	}
	require.NoError(t, s.HandleReport(context.Background(), report))

	require.NotNil(t, parent.Generator)
	assert.Equal(t, 1, parent.Generator.PendingChildren)
	assert.Equal(t, models.StageSleeping, parent.Stages[0].Images["unpacker"].State)
	require.Len(t, parent.Generator.ChildIDs, 1)

	childID := parent.Generator.ChildIDs[0]
	child := repo.reactions[childID]
	require.NotNil(t, child)
	child.Terminal = true

	s.reconcileGenerators(context.Background(), []*models.Reaction{&parent, child}, time.Now())

	assert.Equal(t, models.StageCreated, parent.Stages[0].Images["unpacker"].State)
	assert.Equal(t, 0, parent.Generator.PendingChildren)
}
