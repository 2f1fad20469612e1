// Package reaction implements the Reaction State Machine (§4.4): per-job
// stage progression, retries, SLA enforcement, and generator expansion.
// Every mutator takes a *models.Reaction by pointer and mutates it
// in-place; callers are responsible for serializing access per reaction
// id (§5: "mutates only through API operations that are serialized per
// reaction id").
package reaction

import (
	"time"

	"github.com/gabaker/thorium/packages/models"
)

// MaxRetries is the default retry budget for WorkerLost failures (§5,
// §7, and end-to-end scenario 5).
const MaxRetries = 3

// Machine applies state transitions to reactions. It holds no reaction
// state itself; all state lives on the models.Reaction passed to each
// call, so the Machine itself is safe for concurrent use as long as
// distinct reactions are touched.
type Machine struct{}

// New constructs a Machine.
func New() *Machine { return &Machine{} }

// Claim installs a worker's claim token on an image within the current
// stage, transitioning it Created -> Running (§4.4 first transition).
func (m *Machine) Claim(r *models.Reaction, image string, claim models.ClaimToken, workerID string, now time.Time) bool {
	stage := r.CurrentStage()
	if stage == nil {
		return false
	}
	rec, ok := stage.Images[image]
	if !ok || rec.State != models.StageCreated {
		return false
	}
	rec.State = models.StageRunning
	rec.Claim = &claim
	rec.WorkerID = workerID
	rec.StartedAt = timePtr(now)
	return true
}

// CompleteImage records an agent success report for one image, committing
// its result (§4.4: Running -> Completed). If every image in the current
// stage is now Completed, the reaction advances to the next stage, or to
// terminal success if it was the last stage.
func (m *Machine) CompleteImage(r *models.Reaction, image string, now time.Time) {
	stage := r.CurrentStage()
	if stage == nil {
		return
	}
	rec, ok := stage.Images[image]
	if !ok {
		return
	}
	rec.State = models.StageCompleted
	rec.FinishedAt = timePtr(now)

	if stage.Aggregate() == models.StageCompleted {
		m.advance(r, now)
	}
}

// advance moves the reaction to its next stage (I2), or marks it terminal
// success if the completed stage was the last one.
func (m *Machine) advance(r *models.Reaction, now time.Time) {
	if r.StageIdx+1 >= len(r.Stages) {
		r.Terminal = true
		r.Reason = models.FailureNone
		return
	}
	r.StageIdx++
}

// FailImage records an agent error or heartbeat loss for one image
// (§4.4: Running -> Failed). If retries remain and the failure kind is
// retryable (non-fatal per §7), the image is re-queued to Created instead
// of staying Failed. Any permanent failure fails the whole stage, which
// fails the reaction.
func (m *Machine) FailImage(r *models.Reaction, image string, reason models.FailureReason, retryable bool, now time.Time) {
	stage := r.CurrentStage()
	if stage == nil {
		return
	}
	rec, ok := stage.Images[image]
	if !ok {
		return
	}
	if retryable && rec.Retries < MaxRetries {
		rec.Retries++
		rec.State = models.StageCreated
		rec.Claim = nil
		rec.WorkerID = ""
		rec.Reason = models.FailureNone
		return
	}
	rec.State = models.StageFailed
	rec.Reason = reason
	rec.FinishedAt = timePtr(now)

	r.Terminal = true
	r.Reason = reason
}

// Sleep records an agent's explicit sleep report with a wake predicate
// (§4.4: Running -> Sleeping), used when an image is waiting on a child
// reaction or external event.
func (m *Machine) Sleep(r *models.Reaction, image string, predicate models.WakePredicate) {
	stage := r.CurrentStage()
	if stage == nil {
		return
	}
	rec, ok := stage.Images[image]
	if !ok {
		return
	}
	rec.State = models.StageSleeping
	rec.Wake = &predicate
}

// Wake fires a sleeping image's predicate, returning it to Created so it
// can be re-scheduled (§4.4: Sleeping -> Created).
func (m *Machine) Wake(r *models.Reaction, image string) {
	stage := r.CurrentStage()
	if stage == nil {
		return
	}
	rec, ok := stage.Images[image]
	if !ok || rec.State != models.StageSleeping {
		return
	}
	rec.State = models.StageCreated
	rec.Wake = nil
}

// CheckSleepTimeouts fails any sleeping image whose wake deadline has
// passed (§5: "Sleeping stages have a wake deadline; on expiry they fail
// with SleepTimeout").
func (m *Machine) CheckSleepTimeouts(r *models.Reaction, now time.Time) {
	stage := r.CurrentStage()
	if stage == nil {
		return
	}
	for image, rec := range stage.Images {
		if rec.State == models.StageSleeping && rec.Wake != nil && now.After(rec.Wake.Deadline) {
			m.FailImage(r, image, models.FailureSleepTimeout, false, now)
		}
	}
}

// CheckSLA fails the reaction's current stage with SlaExpired if now is
// past its deadline and it has not already reached a terminal state
// (§4.4, §8 P5).
func (m *Machine) CheckSLA(r *models.Reaction, now time.Time) {
	if r.Terminal || !r.SLAExpired(now) {
		return
	}
	stage := r.CurrentStage()
	if stage != nil {
		for _, rec := range stage.Images {
			if rec.State != models.StageCompleted && rec.State != models.StageFailed {
				rec.State = models.StageFailed
				rec.Reason = models.FailureSLAExpired
				rec.FinishedAt = timePtr(now)
			}
		}
	}
	r.Terminal = true
	r.Reason = models.FailureSLAExpired
}

// StartGenerator records that a generator image has spawned its
// sub-reactions and put itself to sleep pending their completion
// (§4.4). visitedPipelines is the ancestry the child inherits; ancestry
// must already include r.Pipeline by the time this is called, enforcing
// P7 acyclicity at the caller (the scheduler rejects a child whose
// pipeline already appears in its own ancestry before ever calling this).
func (m *Machine) StartGenerator(r *models.Reaction, image string, childIDs []string, visitedPipelines []string, now time.Time) {
	r.Generator = &models.GeneratorState{
		ChildIDs:         childIDs,
		PendingChildren:  len(childIDs),
		VisitedPipelines: visitedPipelines,
	}
	m.Sleep(r, image, models.WakePredicate{AllChildrenTerminal: true, Deadline: r.Deadline})
}

// ChildTerminal decrements the parent's pending-child counter; once it
// reaches zero the generator's image is woken with aggregated outputs
// already folded into r.Tags/r.Children by the caller.
func (m *Machine) ChildTerminal(r *models.Reaction, image string) {
	if r.Generator == nil {
		return
	}
	if r.Generator.PendingChildren > 0 {
		r.Generator.PendingChildren--
	}
	if r.Generator.PendingChildren == 0 {
		m.Wake(r, image)
	}
}

// WouldCycle implements P7: a generator cannot produce a child reaction
// of a pipeline already present in its own ancestry.
func WouldCycle(visitedPipelines []string, candidatePipeline string) bool {
	for _, p := range visitedPipelines {
		if p == candidatePipeline {
			return true
		}
	}
	return false
}

// MarkDangling flags a reaction whose parent artifact was deleted; it
// still runs, but downstream consumers see the flag (§4.4 "Dangling
// parents").
func MarkDangling(r *models.Reaction) { r.Dangling = true }

func timePtr(t time.Time) *time.Time { return &t }
