// Package scheduler implements the Scaler (§4.5): a control loop that
// decides, per tick, how many workers to provision across heterogeneous
// backends given fair-share deadlines, quotas, ban state, and resource
// fit.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gabaker/thorium/packages/agent"
	"github.com/gabaker/thorium/packages/backend"
	"github.com/gabaker/thorium/packages/bans"
	"github.com/gabaker/thorium/packages/ledger"
	"github.com/gabaker/thorium/packages/metrics"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/reaction"
	"github.com/gabaker/thorium/packages/resources"
)

// ReactionRepo is the subset of reaction persistence the scheduler needs:
// enumerate reactions that are not yet terminal, fetch one by id (used to
// walk generator ancestry), and persist mutations made during a tick.
type ReactionRepo interface {
	ListActive(ctx context.Context) ([]*models.Reaction, error)
	Get(ctx context.Context, id string) (*models.Reaction, error)
	Save(ctx context.Context, r *models.Reaction) error
}

// ImageLookup resolves an image id to its definition.
type ImageLookup interface {
	Image(id string) (models.Image, bool)
}

// PipelineLookup resolves a pipeline id to its definition, and enumerates
// every pipeline registered in a group (used to route a generator's
// children to the pipeline their trigger matches).
type PipelineLookup interface {
	Pipeline(id string) (models.Pipeline, bool)
	ListPipelines(group string) []models.Pipeline
}

// Config is the scheduler's tuning knobs, loaded from SPEC_FULL.md's
// config layer.
type Config struct {
	TickPeriod          time.Duration
	HeartbeatTimeout     time.Duration
	SnapshotTTL          time.Duration
	GlobalCPUBudget      int64
	GlobalMemoryBudget   int64
	BackendPreferenceOrder []models.BackendKind
}

// DefaultConfig returns the §5 defaults (60s heartbeat timeout, etc).
func DefaultConfig() Config {
	return Config{
		TickPeriod:       10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		SnapshotTTL:      10 * time.Second,
		BackendPreferenceOrder: []models.BackendKind{
			models.BackendKindK8s, models.BackendKindBareMetal, models.BackendKindExternal,
		},
	}
}

// trackedWorker is the scheduler's bookkeeping for one live worker, used
// to reconcile Ledger.Running against live workers (I4) and to drain or
// force-kill stale claims.
type trackedWorker struct {
	worker  models.Worker
	backend models.BackendKind
	key     models.LedgerKey
}

// Scheduler is the Scaler control loop.
type Scheduler struct {
	cfgMu     sync.RWMutex
	cfg       Config
	logger    *slog.Logger
	ledger    *ledger.Ledger
	bans      *bans.Registry
	machine   *reaction.Machine
	reactions ReactionRepo
	images    ImageLookup
	pipelines PipelineLookup
	tracer    Tracer
	indexer   Indexer

	drivers map[models.BackendKind]*driverHandle

	mu              sync.Mutex
	workers         map[string]*trackedWorker
	spawnedThisTick map[string]int // image id -> count, reset every tick
	spawnedGlobal   map[string]int // image id -> count, lifetime

	statsMu      sync.Mutex
	lastSnapshot Stats
}

// Indexer is the optional relational search side-table (§6), wired to a
// packages/store.SearchIndex when the scaler is started with a search DSN.
type Indexer interface {
	IndexReaction(ctx context.Context, reactionID, group, pipeline, sampleRef string, tags map[string][]string) error
}

// SetIndexer installs idx, making every saved reaction this tick onward
// also get indexed for tag/result search. A nil indexer (the default)
// skips indexing entirely.
func (s *Scheduler) SetIndexer(idx Indexer) { s.indexer = idx }

// currentConfig returns the scheduler's live configuration, safe for
// concurrent reads against a config hot-reload in progress.
func (s *Scheduler) currentConfig() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps in new tuning knobs, applied starting with the next
// tick (config hot-reload, §4.5). SnapshotTTL is intentionally excluded:
// it is baked into each backend's SnapshotCache at New time and is not
// cheaply swappable without rebuilding the driver set.
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg.SnapshotTTL = s.cfg.SnapshotTTL
	s.cfg = cfg
}

type driverHandle struct {
	driver *backend.SnapshotCache
	raw    backend.Driver
}

// New constructs a Scheduler. backends maps each backend kind to its
// driver (already wrapped in rate limiting if desired by the caller).
func New(cfg Config, logger *slog.Logger, l *ledger.Ledger, banRegistry *bans.Registry,
	reactions ReactionRepo, images ImageLookup, pipelines PipelineLookup,
	backends map[models.BackendKind]backend.Driver) *Scheduler {

	drivers := make(map[models.BackendKind]*driverHandle, len(backends))
	for kind, d := range backends {
		drivers[kind] = &driverHandle{driver: backend.NewSnapshotCache(d, cfg.SnapshotTTL), raw: d}
	}

	return &Scheduler{
		cfg:             cfg,
		logger:          logger,
		ledger:          l,
		bans:            banRegistry,
		machine:         reaction.New(),
		reactions:       reactions,
		images:          images,
		pipelines:       pipelines,
		drivers:         drivers,
		workers:         make(map[string]*trackedWorker),
		spawnedThisTick: make(map[string]int),
		spawnedGlobal:   make(map[string]int),
	}
}

// Run drives the tick loop until ctx is cancelled, re-arming the ticker
// whenever a config hot-reload changes TickPeriod.
func (s *Scheduler) Run(ctx context.Context) error {
	period := s.currentConfig().TickPeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("tick failed", slog.Any("error", err))
			}
			if next := s.currentConfig().TickPeriod; next != period {
				period = next
				ticker.Reset(period)
			}
		}
	}
}

// Tick runs the five steps of §4.5 once.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.TickDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "scheduler.tick")
		defer span.End()
	}

	now := time.Now()

	reactions, err := s.reactions.ListActive(ctx)
	if err != nil {
		return err
	}

	s.observe(ctx, reactions, now)

	for _, r := range reactions {
		s.machine.CheckSLA(r, now)
		s.machine.CheckSleepTimeouts(r, now)
	}

	s.reconcileGenerators(ctx, reactions, now)

	demand := s.gatherDemand(reactions, now)
	queue := buildCandidateQueue(s.ledger.Snapshot(), s.ledger.Quotas(), oldestCreated(demand))

	s.mu.Lock()
	s.spawnedThisTick = make(map[string]int)
	s.mu.Unlock()

	for _, cand := range queue.drain() {
		items := demand[cand.key]
		for _, item := range items {
			s.fitAndAssign(ctx, item, now)
		}
	}

	s.despawnIdle(ctx, reactions, now)

	for _, r := range reactions {
		if err := s.reactions.Save(ctx, r); err != nil {
			s.logger.Error("save reaction failed", slog.String("reaction", r.ID), slog.Any("error", err))
		}
		if s.indexer != nil {
			if err := s.indexer.IndexReaction(ctx, r.ID, r.Group, r.Pipeline, r.SampleRef, r.Tags); err != nil {
				s.logger.Warn("index reaction failed", slog.String("reaction", r.ID), slog.Any("error", err))
			}
		}
	}

	s.publish(demand)
	return nil
}

// demandItem is one image within one reaction's current stage that is
// still Created and thus needs a worker.
type demandItem struct {
	reaction *models.Reaction
	image    string
	key      models.LedgerKey
	created  time.Time
}

// observe reconciles Ledger.Running against live workers (§4.5 step 1):
// force-kills workers whose heartbeat has lapsed and returns their stage
// to Created, and drops bookkeeping for workers the backend reports
// finished.
func (s *Scheduler) observe(ctx context.Context, reactions []*models.Reaction, now time.Time) {
	byID := make(map[string]*models.Reaction, len(reactions))
	for _, r := range reactions {
		byID[r.ID] = r
	}

	s.mu.Lock()
	workers := make([]*trackedWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, tw := range workers {
		dh, ok := s.drivers[tw.backend]
		if !ok {
			continue
		}
		obs, err := dh.raw.Observe(ctx, tw.worker.ID)
		if err != nil {
			s.logger.Warn("observe failed", slog.String("worker", tw.worker.ID), slog.Any("error", err))
			continue
		}

		rx := byID[tw.worker.Claim.ReactionID]

		switch obs.State {
		case backend.ObserveFinished:
			if rx != nil {
				// A generator image's HTTP sleep report (HandleReport) already
				// moved it to Sleeping before its process exited; observing the
				// exit here must not also complete it (§4.4 "Generators").
				alreadySleeping := false
				if stage := rx.CurrentStage(); stage != nil {
					if rec, ok := stage.Images[tw.worker.Claim.Image]; ok {
						alreadySleeping = rec.State == models.StageSleeping
					}
				}
				switch {
				case alreadySleeping:
				case obs.ExitCode == 0:
					s.machine.CompleteImage(rx, tw.worker.Claim.Image, now)
					s.ledger.Complete(tw.key, true)
				default:
					_, retryable := classifyExitCode(obs.ExitCode)
					s.machine.FailImage(rx, tw.worker.Claim.Image, models.FailureToolFailure, retryable, now)
					s.ledger.Complete(tw.key, false)
				}
			}
			s.forgetWorker(tw.worker.ID)
		case backend.ObserveLost:
			if rx != nil {
				s.machine.FailImage(rx, tw.worker.Claim.Image, models.FailureWorkerLost, true, now)
			}
			s.ledger.ReleaseSlot(tw.key)
			s.forgetWorker(tw.worker.ID)
		case backend.ObserveRunning:
			if tw.worker.HeartbeatExpired(now) {
				s.logger.Warn("heartbeat expired, force-killing worker", slog.String("worker", tw.worker.ID))
				_ = dh.raw.Kill(ctx, tw.worker.ID, "heartbeat_timeout")
				metrics.DespawnsTotal.WithLabelValues(string(tw.backend), "heartbeat_timeout").Inc()
				dh.driver.Invalidate()
				if rx != nil {
					s.machine.FailImage(rx, tw.worker.Claim.Image, models.FailureWorkerLost, true, now)
				}
				s.ledger.ReleaseSlot(tw.key)
				s.forgetWorker(tw.worker.ID)
			}
		}
	}
}

func classifyExitCode(code int) (string, bool) {
	if code >= 128 {
		return "signal_or_oom", true
	}
	return "nonzero_exit", false
}

// committedResources sums Reserved across every worker the scheduler
// currently tracks, used to enforce Config.GlobalCPUBudget/
// GlobalMemoryBudget (§4.5 step 3) independent of per-image spawn limits.
func (s *Scheduler) committedResources() resources.Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total resources.Resources
	for _, w := range s.workers {
		total = total.Add(w.worker.Reserved)
	}
	return total
}

func (s *Scheduler) forgetWorker(id string) {
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
}

// gatherDemand implements §4.5 step 2: for every reaction whose current
// stage has an image still Created and whose image/pipeline is not
// banned, registers a Ledger deadline and returns the demand grouped by
// ledger key.
func (s *Scheduler) gatherDemand(reactions []*models.Reaction, now time.Time) map[models.LedgerKey][]demandItem {
	demand := make(map[models.LedgerKey][]demandItem)
	for _, r := range reactions {
		if r.Terminal {
			continue
		}
		if s.bans.IsBanned(r.Group + "/" + r.Pipeline) {
			continue
		}
		stage := r.CurrentStage()
		if stage == nil {
			continue
		}
		for image, rec := range stage.Images {
			if rec.State != models.StageCreated {
				continue
			}
			if s.bans.IsBanned(r.Group + "/" + image) {
				continue
			}
			key := models.LedgerKey{Group: r.Group, Pipeline: r.Pipeline, Stage: r.StageIdx, User: r.User}
			s.ledger.AddDeadline(key)
			demand[key] = append(demand[key], demandItem{reaction: r, image: image, key: key, created: r.CreatedAt})
		}
	}
	return demand
}

func oldestCreated(demand map[models.LedgerKey][]demandItem) map[models.LedgerKey]time.Time {
	out := make(map[models.LedgerKey]time.Time, len(demand))
	for key, items := range demand {
		oldest := items[0].created
		for _, it := range items[1:] {
			if it.created.Before(oldest) {
				oldest = it.created
			}
		}
		out[key] = oldest
	}
	return out
}

// fitAndAssign implements §4.5 step 3 for one demand item: pick a
// backend, check fit, respect spawn limits and global budgets, and spawn.
func (s *Scheduler) fitAndAssign(ctx context.Context, item demandItem, now time.Time) {
	img, ok := s.images.Image(item.reaction.Group + "/" + item.image)
	if !ok {
		s.logger.Error("unknown image referenced by reaction", slog.String("image", item.image))
		return
	}

	if img.SpawnLimit.PerTick > 0 {
		s.mu.Lock()
		count := s.spawnedThisTick[img.ID()]
		s.mu.Unlock()
		if count >= img.SpawnLimit.PerTick {
			return
		}
	}
	if img.SpawnLimit.Global > 0 {
		s.mu.Lock()
		count := s.spawnedGlobal[img.ID()]
		s.mu.Unlock()
		if count >= img.SpawnLimit.Global {
			return
		}
	}

	cfg := s.currentConfig()
	if cfg.GlobalCPUBudget > 0 || cfg.GlobalMemoryBudget > 0 {
		committed := s.committedResources()
		if cfg.GlobalCPUBudget > 0 && committed.CPU+img.Resources.CPU > cfg.GlobalCPUBudget {
			return
		}
		if cfg.GlobalMemoryBudget > 0 && committed.Memory+img.Resources.Memory > cfg.GlobalMemoryBudget {
			return
		}
	}

	order := s.backendOrder(img)
	for _, kind := range order {
		dh, ok := s.drivers[kind]
		if !ok {
			continue
		}
		snap, err := dh.driver.Snapshot(ctx)
		if err != nil {
			continue
		}
		baseFree, burstFree := snap.FreeCapacity()
		if !img.Resources.FitsInBurstAware(baseFree, burstFree) {
			continue
		}

		grant := s.ledger.RequestSlot(item.key)
		if !grant.Granted {
			return
		}

		spec := backend.WorkerSpec{
			ReactionID: item.reaction.ID,
			StageIdx:   item.reaction.StageIdx,
			Image:      img,
			User:       item.reaction.User,
			Group:      item.reaction.Group,
			Pipeline:   item.reaction.Pipeline,
			Deadline:   item.reaction.Deadline,
		}
		result, err := dh.raw.Spawn(ctx, spec)
		if err != nil || result.Outcome != backend.SpawnOK {
			s.ledger.ReleaseSlot(item.key)
			metrics.SpawnsTotal.WithLabelValues(string(kind), string(result.Outcome)).Inc()
			continue
		}
		metrics.SpawnsTotal.WithLabelValues(string(kind), string(result.Outcome)).Inc()
		dh.driver.Invalidate()

		claim := models.ClaimToken{ReactionID: item.reaction.ID, StageIdx: item.reaction.StageIdx, Image: item.image}
		s.machine.Claim(item.reaction, item.image, claim, result.WorkerID, now)

		s.mu.Lock()
		s.spawnedThisTick[img.ID()]++
		s.spawnedGlobal[img.ID()]++
		s.workers[result.WorkerID] = &trackedWorker{
			worker: models.Worker{
				ID:          result.WorkerID,
				Backend:     kind,
				Reserved:    img.Resources,
				Claim:       claim,
				SpawnedAt:   now,
				HeartbeatBy: now.Add(cfg.HeartbeatTimeout),
			},
			backend: kind,
			key:     item.key,
		}
		s.mu.Unlock()
		return
	}
}

// backendOrder implements the §4.5 backend-selection policy: prefer the
// backend named in the image config, otherwise try the configured
// preference order.
func (s *Scheduler) backendOrder(img models.Image) []models.BackendKind {
	order := s.currentConfig().BackendPreferenceOrder
	if img.PreferredBackend != models.BackendUnset {
		kind := models.BackendKind(img.PreferredBackend)
		rest := make([]models.BackendKind, 0, len(order))
		rest = append(rest, kind)
		for _, k := range order {
			if k != kind {
				rest = append(rest, k)
			}
		}
		return rest
	}
	return order
}

// despawnIdle implements §4.5 step 4: workers whose claimed reaction has
// already gone terminal (or whose image already completed by another
// path) are drained since the demand that justified them is gone.
func (s *Scheduler) despawnIdle(ctx context.Context, reactions []*models.Reaction, now time.Time) {
	byID := make(map[string]*models.Reaction, len(reactions))
	for _, r := range reactions {
		byID[r.ID] = r
	}

	s.mu.Lock()
	workers := make([]*trackedWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, tw := range workers {
		r, ok := byID[tw.worker.Claim.ReactionID]
		if !ok || r.Terminal {
			dh, ok := s.drivers[tw.backend]
			if !ok {
				continue
			}
			_ = dh.raw.Kill(ctx, tw.worker.ID, "idle_above_demand")
			metrics.DespawnsTotal.WithLabelValues(string(tw.backend), "idle_above_demand").Inc()
			dh.driver.Invalidate()
			s.ledger.ReleaseSlot(tw.key)
			s.forgetWorker(tw.worker.ID)
		}
	}
}

// publish implements §4.5 step 5: builds the §6 stats snapshot.
func (s *Scheduler) publish(demand map[models.LedgerKey][]demandItem) {
	s.mu.Lock()
	workers := make(map[string]*trackedWorker, len(s.workers))
	for k, v := range s.workers {
		workers[k] = v
	}
	s.mu.Unlock()

	entries := s.ledger.Snapshot()
	for key, e := range entries {
		metrics.LedgerDeadlines.WithLabelValues(key.Group, key.Pipeline, fmt.Sprint(key.Stage), key.User).Set(float64(e.Deadlines))
		metrics.LedgerRunning.WithLabelValues(key.Group, key.Pipeline, fmt.Sprint(key.Stage), key.User).Set(float64(e.Running))
	}

	order := s.currentConfig().BackendPreferenceOrder
	defaultBackend := models.BackendKindK8s
	if len(order) > 0 {
		defaultBackend = order[0]
	}

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.lastSnapshot = BuildStats(entries, workers, demand, s.images, defaultBackend)
}

// Stats returns the most recently published snapshot.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastSnapshot
}

// AgentReport is the decoded payload of a POST /agent/report call: the
// in-pod agent's own terminal-status report (§4.7 step 5). Tags are merged
// for every outcome, but only the sleep outcome changes stage state here;
// success/failure stay driven exclusively by
// observe()'s backend.Driver.Observe() polling so a worker's completion is
// never applied twice through two different paths.
type AgentReport struct {
	Claim    models.ClaimToken
	Outcome  string
	Tags     map[string][]string
	Children []agent.ChildSample
}

// HandleReport ingests one agent report. Tag merges apply unconditionally;
// a sleep outcome additionally spawns the generator's child reactions and
// puts the reporting image to sleep pending their completion.
func (s *Scheduler) HandleReport(ctx context.Context, report AgentReport) error {
	r, err := s.reactions.Get(ctx, report.Claim.ReactionID)
	if err != nil {
		return fmt.Errorf("handle report: %w", err)
	}

	if len(report.Tags) > 0 {
		if r.Tags == nil {
			r.Tags = make(map[string][]string)
		}
		for k, v := range report.Tags {
			r.Tags[k] = append(r.Tags[k], v...)
		}
	}

	if report.Outcome != "sleep" {
		return s.reactions.Save(ctx, r)
	}

	now := time.Now()
	childIDs, visited, err := s.spawnGeneratorChildren(ctx, r, report.Claim.Image, report.Children, now)
	if err != nil {
		return fmt.Errorf("spawn generator children: %w", err)
	}
	s.machine.StartGenerator(r, report.Claim.Image, childIDs, visited, now)
	s.ledger.Sleep(models.LedgerKey{Group: r.Group, Pipeline: r.Pipeline, Stage: r.StageIdx, User: r.User})
	return s.reactions.Save(ctx, r)
}

// ancestry returns the chain of pipeline names from r up through every
// ancestor, walking ParentID. A Reaction carries no standing ancestry
// field of its own; only a generator's GeneratorState.VisitedPipelines
// does, and only once it has become a generator, so this is computed
// fresh when a generator's sleep report arrives rather than kept hot-path.
func (s *Scheduler) ancestry(ctx context.Context, r *models.Reaction) []string {
	chain := []string{r.Pipeline}
	cur := r
	for cur.ParentID != "" {
		parent, err := s.reactions.Get(ctx, cur.ParentID)
		if err != nil || parent == nil {
			break
		}
		chain = append(chain, parent.Pipeline)
		cur = parent
	}
	return chain
}

// spawnGeneratorChildren creates one child Reaction per collected child
// sample whose origin kind and the parent's current tags match a
// registered pipeline trigger, skipping any pipeline that would close a
// P7 cycle.
func (s *Scheduler) spawnGeneratorChildren(ctx context.Context, r *models.Reaction, image string, children []agent.ChildSample, now time.Time) ([]string, []string, error) {
	visited := s.ancestry(ctx, r)
	pipelines := s.pipelines.ListPipelines(r.Group)

	var childIDs []string
	for _, c := range children {
		p := pipelineTriggeredBy(pipelines, models.TriggerKind(c.OriginKind), r.Tags)
		if p == nil {
			continue
		}
		if reaction.WouldCycle(visited, p.Name) {
			s.logger.Warn("generator child would cycle, skipping",
				slog.String("reaction", r.ID), slog.String("pipeline", p.ID()))
			continue
		}
		child := models.NewReaction(uuid.NewString(), r.Group, p.Name, r.User, c.Path, now, p.SLA, p.Order)
		child.ParentID = r.ID
		if err := s.reactions.Save(ctx, &child); err != nil {
			return nil, nil, err
		}
		childIDs = append(childIDs, child.ID)
	}
	return childIDs, visited, nil
}

// pipelineTriggeredBy finds the first registered pipeline whose trigger
// matches kind and tags, used to route a generator's children to the
// pipeline they expand into (§4.4 "Generators").
func pipelineTriggeredBy(pipelines []models.Pipeline, kind models.TriggerKind, tags map[string][]string) *models.Pipeline {
	for i := range pipelines {
		for _, t := range pipelines[i].Triggers {
			if t.Kind == kind && t.Matches(tags) {
				return &pipelines[i]
			}
		}
	}
	return nil
}

// reconcileGenerators implements the completion side of §4.4 "Generators":
// once a child reaction reaches a terminal state, its parent's
// pending-child counter is decremented and the child's tags fold into the
// parent's. The parent's sleeping image wakes once every child has
// terminated.
func (s *Scheduler) reconcileGenerators(ctx context.Context, reactions []*models.Reaction, now time.Time) {
	byID := make(map[string]*models.Reaction, len(reactions))
	for _, r := range reactions {
		byID[r.ID] = r
	}

	for _, child := range reactions {
		if !child.Terminal || child.ParentID == "" {
			continue
		}
		parent, inBatch := byID[child.ParentID]
		if !inBatch {
			var err error
			parent, err = s.reactions.Get(ctx, child.ParentID)
			if err != nil || parent == nil {
				continue
			}
		}
		if parent.Generator == nil {
			continue
		}
		image := generatorImage(parent)
		if image == "" {
			continue
		}

		mergeChildTags(parent, child)
		s.machine.ChildTerminal(parent, image)

		if stage := parent.CurrentStage(); stage != nil {
			if rec, ok := stage.Images[image]; ok && rec.State == models.StageCreated {
				s.ledger.Wake(models.LedgerKey{Group: parent.Group, Pipeline: parent.Pipeline, Stage: parent.StageIdx, User: parent.User})
			}
		}

		if !inBatch {
			if err := s.reactions.Save(ctx, parent); err != nil {
				s.logger.Error("save generator parent failed", slog.String("reaction", parent.ID), slog.Any("error", err))
			}
		}
	}
}

// generatorImage returns the name of the generator image currently asleep
// awaiting its children in r's current stage, or "" if none.
func generatorImage(r *models.Reaction) string {
	stage := r.CurrentStage()
	if stage == nil {
		return ""
	}
	for name, rec := range stage.Images {
		if rec.State == models.StageSleeping && rec.Wake != nil && rec.Wake.AllChildrenTerminal {
			return name
		}
	}
	return ""
}

// mergeChildTags folds a terminated child's tags into its generator
// parent, aggregating results up the reaction tree (§4.4 "Generators").
func mergeChildTags(parent, child *models.Reaction) {
	if parent.Tags == nil {
		parent.Tags = make(map[string][]string)
	}
	for k, v := range child.Tags {
		parent.Tags[k] = append(parent.Tags[k], v...)
	}
	parent.Children = append(parent.Children, child.ID)
}

// sortedKeys is a small helper kept for deterministic iteration where
// needed (e.g. future debug dumps); unused today but cheap to keep local
// rather than re-deriving at call sites.
func sortedKeys(m map[models.LedgerKey][]demandItem) []models.LedgerKey {
	out := make([]models.LedgerKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
