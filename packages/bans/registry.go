// Package bans implements the Ban Registry (§4.3): stores bans by target
// id, synthesizes BannedImage bans on dependent pipelines, and answers
// is_banned / list_bans queries.
package bans

import (
	"sync"
	"time"

	"github.com/gabaker/thorium/packages/models"
)

// PipelineIndex answers which pipelines reference a given image, supplied
// by the registry so the Ban Registry can synthesize dependent bans (I3)
// without owning pipeline definitions itself.
type PipelineIndex interface {
	PipelinesContainingImage(imageID string) []string
}

// Registry tracks bans by target id and propagates image bans to every
// pipeline that contains the banned image.
type Registry struct {
	mu    sync.RWMutex
	index PipelineIndex

	// bansByTarget holds every ban (direct or synthesized) keyed by the
	// target (image or pipeline) id it applies to.
	bansByTarget map[string][]models.Ban

	// dependents counts, per pipeline id, how many currently-banned
	// images it references, so the synthesized BannedImage entry can be
	// removed only once the count reaches zero.
	dependents map[string]int
	// synthesizedBanID records the ban id used for a pipeline's
	// synthesized BannedImage entry, so it can be removed precisely.
	synthesizedBanID map[string]string
}

// New constructs an empty Registry. index is used to look up which
// pipelines reference a banned image.
func New(index PipelineIndex) *Registry {
	return &Registry{
		index:            index,
		bansByTarget:     make(map[string][]models.Ban),
		dependents:       make(map[string]int),
		synthesizedBanID: make(map[string]string),
	}
}

// Ban places a ban on targetID (an image or pipeline id). If targetID is
// an image, every pipeline containing it receives a synthesized
// BannedImage ban (I3).
func (r *Registry) Ban(id, targetID string, kind models.BanKind, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ban := models.Ban{ID: id, Target: targetID, Time: now, Kind: kind}
	r.bansByTarget[targetID] = append(r.bansByTarget[targetID], ban)

	for _, pipelineID := range r.index.PipelinesContainingImage(targetID) {
		r.dependents[pipelineID]++
		if _, exists := r.synthesizedBanID[pipelineID]; !exists {
			synthID := id + "/synth/" + pipelineID
			r.synthesizedBanID[pipelineID] = synthID
			r.bansByTarget[pipelineID] = append(r.bansByTarget[pipelineID], models.Ban{
				ID:     synthID,
				Target: pipelineID,
				Time:   now,
				Kind:   models.BanKind{Kind: models.BanKindBannedImage, BannedImage: targetID},
			})
		}
	}
}

// Lift removes a ban by id from its target. If the target was an image,
// dependent pipelines' counters are decremented and their synthesized
// BannedImage entry is removed once the count reaches zero.
func (r *Registry) Lift(id, targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bansByTarget[targetID] = removeBan(r.bansByTarget[targetID], id)
	if len(r.bansByTarget[targetID]) == 0 {
		delete(r.bansByTarget, targetID)
	}

	for _, pipelineID := range r.index.PipelinesContainingImage(targetID) {
		if r.dependents[pipelineID] > 0 {
			r.dependents[pipelineID]--
		}
		if r.dependents[pipelineID] == 0 {
			if synthID, ok := r.synthesizedBanID[pipelineID]; ok {
				r.bansByTarget[pipelineID] = removeBan(r.bansByTarget[pipelineID], synthID)
				if len(r.bansByTarget[pipelineID]) == 0 {
					delete(r.bansByTarget, pipelineID)
				}
				delete(r.synthesizedBanID, pipelineID)
			}
			delete(r.dependents, pipelineID)
		}
	}
}

// IsBanned reports whether targetID currently carries any ban.
func (r *Registry) IsBanned(targetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bansByTarget[targetID]) > 0
}

// ListBans returns every ban currently attached to targetID.
func (r *Registry) ListBans(targetID string) []models.Ban {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Ban, len(r.bansByTarget[targetID]))
	copy(out, r.bansByTarget[targetID])
	return out
}

func removeBan(bans []models.Ban, id string) []models.Ban {
	out := bans[:0]
	for _, b := range bans {
		if b.ID != id {
			out = append(out, b)
		}
	}
	return out
}
