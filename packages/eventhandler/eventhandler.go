// Package eventhandler consumes sample/tag/repo events and creates new
// Reactions for every pipeline whose trigger matches (§2 row 8, §5). It
// is a consumer of an ordered event stream and must process each event
// at least once, staying idempotent by (event-id, pipeline).
package eventhandler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gabaker/thorium/packages/models"
)

// EventKind enumerates the mutation classes a pipeline Trigger can react
// to, mirroring models.TriggerKind.
type EventKind = models.TriggerKind

// Event is a sample/tag/repo mutation observed from the collaborator
// event bus (out of scope per §1; this is its consumer-side shape).
type Event struct {
	ID        string
	Kind      EventKind
	Group     string
	SampleRef string
	Tags      map[string][]string
}

// PipelineSource enumerates every pipeline registered in a group, used to
// test each one's triggers against an incoming event.
type PipelineSource interface {
	ListPipelines(group string) []models.Pipeline
}

// ReactionCreator persists a newly triggered Reaction.
type ReactionCreator interface {
	Save(ctx context.Context, r *models.Reaction) error
}

// SeenStore records which (event id, pipeline id) pairs have already been
// processed, so redelivery of the same event never double-submits a
// Reaction (§5 idempotency contract).
type SeenStore interface {
	MarkSeen(ctx context.Context, eventID, pipelineID string) (alreadySeen bool, err error)
}

// Handler consumes Events from an ordered channel and creates Reactions
// for every pipeline whose trigger matches.
type Handler struct {
	logger   *slog.Logger
	sources  PipelineSource
	creator  ReactionCreator
	seen     SeenStore
	events   chan Event
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a Handler with a bounded event channel standing in for
// the real event bus (a collaborator system per §1).
func New(logger *slog.Logger, sources PipelineSource, creator ReactionCreator, seen SeenStore, bufferSize int) *Handler {
	return &Handler{
		logger:  logger,
		sources: sources,
		creator: creator,
		seen:    seen,
		events:  make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
}

// Submit enqueues an event for processing. Blocks if the buffer is full,
// applying backpressure to the event source.
func (h *Handler) Submit(e Event) { h.events <- e }

// Run drains events until ctx is cancelled or Stop is called.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return nil
		case e := <-h.events:
			if err := h.handle(ctx, e); err != nil {
				h.logger.Error("event handling failed", slog.String("event", e.ID), slog.Any("error", err))
			}
		}
	}
}

// Stop halts Run without draining remaining buffered events.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Handler) handle(ctx context.Context, e Event) error {
	for _, p := range h.sources.ListPipelines(e.Group) {
		matched := false
		for _, trig := range p.Triggers {
			if trig.Kind == e.Kind && trig.Matches(e.Tags) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		alreadySeen, err := h.seen.MarkSeen(ctx, e.ID, p.ID())
		if err != nil {
			return err
		}
		if alreadySeen {
			h.logger.Debug("event already processed for pipeline", slog.String("event", e.ID), slog.String("pipeline", p.ID()))
			continue
		}

		r := models.NewReaction(uuid.NewString(), p.Group, p.Name, "", e.SampleRef, time.Now(), p.SLA, p.Order)
		if err := h.creator.Save(ctx, &r); err != nil {
			return err
		}
		h.logger.Info("reaction created from event",
			slog.String("reaction", r.ID), slog.String("pipeline", p.ID()), slog.String("event", e.ID))
	}
	return nil
}
