// Package backend defines the uniform capability set every backend driver
// (Kubernetes, bare-metal, external) exposes to the Scheduler (§4.6).
package backend

import (
	"context"
	"time"

	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/resources"
)

// SpawnOutcome is the result of a spawn request.
type SpawnOutcome string

const (
	SpawnOK         SpawnOutcome = "ok"
	SpawnNoCapacity SpawnOutcome = "no_capacity"
	SpawnRejected   SpawnOutcome = "rejected"
)

// SpawnResult is returned by Driver.Spawn.
type SpawnResult struct {
	Outcome  SpawnOutcome
	WorkerID string
	Reason   string
}

// ObserveState is the live state of a worker as last observed.
type ObserveState string

const (
	ObserveRunning  ObserveState = "running"
	ObserveFinished ObserveState = "finished"
	ObserveLost     ObserveState = "lost"
)

// ObserveResult is returned by Driver.Observe.
type ObserveResult struct {
	State    ObserveState
	ExitCode int
	Err      error
}

// Node describes one host a driver can place workers on.
type Node struct {
	ID             string
	Capacity       resources.Resources
	BurstCapacity  resources.Resources
	Workers        []models.Worker
}

// Snapshot is a backend's point-in-time view of its nodes and workers
// (§4.6).
type Snapshot struct {
	Nodes []Node
}

// FreeCapacity returns the aggregate unreserved base and burst capacity
// across every node in the snapshot.
func (s Snapshot) FreeCapacity() (base, burst resources.Resources) {
	for _, n := range s.Nodes {
		used := resources.Resources{}
		for _, w := range n.Workers {
			used = used.Add(w.Reserved)
		}
		base = base.Add(n.Capacity.SubSaturating(used))
		burst = burst.Add(n.BurstCapacity.SubSaturating(used))
	}
	return base, burst
}

// WorkerSpec is what the Scheduler asks a Driver to bring up: one Agent
// for one stage of one reaction, executing one image.
type WorkerSpec struct {
	ReactionID string
	StageIdx   int
	Image      models.Image
	User       string
	Group      string
	Pipeline   string
	Deadline   time.Time
}

// Driver is the capability set of §4.6, implemented by the K8s,
// bare-metal, and external backends. Implementations must be idempotent:
// repeated Kill is a no-op, and Spawn is deduplicated by
// (reaction_id, stage_idx, image) (P6).
type Driver interface {
	Kind() models.BackendKind
	Snapshot(ctx context.Context) (Snapshot, error)
	Spawn(ctx context.Context, spec WorkerSpec) (SpawnResult, error)
	Observe(ctx context.Context, workerID string) (ObserveResult, error)
	Kill(ctx context.Context, workerID string, reason string) error
}
