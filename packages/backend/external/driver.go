// Package external implements the external Backend Driver (§4.6): a pure
// marker whose workers are managed by some system outside Thorium and are
// only ever reported via a heartbeat endpoint. Spawn only records the
// claim; Observe reflects whatever the last heartbeat said.
package external

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gabaker/thorium/packages/backend"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/resources"
)

type record struct {
	worker   models.Worker
	observed backend.ObserveResult
}

// Driver implements backend.Driver as a marker over externally managed
// workers, fed by Heartbeat.
type Driver struct {
	mu      sync.Mutex
	byClaim map[string]string
	records map[string]*record
}

// NewDriver constructs an external marker Driver.
func NewDriver() *Driver {
	return &Driver{
		byClaim: make(map[string]string),
		records: make(map[string]*record),
	}
}

func (d *Driver) Kind() models.BackendKind { return models.BackendKindExternal }

func claimKey(c models.ClaimToken) string {
	return fmt.Sprintf("%s/%d/%s", c.ReactionID, c.StageIdx, c.Image)
}

// Snapshot reports one pseudo-node with effectively unbounded capacity,
// since external workers are not placed by Thorium.
func (d *Driver) Snapshot(ctx context.Context) (backend.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var workers []models.Worker
	for _, r := range d.records {
		if r.observed.State == backend.ObserveRunning {
			workers = append(workers, r.worker)
		}
	}
	const unbounded = int64(1) << 40
	capRes := resources.Resources{CPU: unbounded, Memory: unbounded, EphemeralStorage: unbounded, AMDGPU: unbounded, NvidiaGPU: unbounded}
	return backend.Snapshot{Nodes: []backend.Node{{
		ID:            "external",
		Capacity:      capRes,
		BurstCapacity: capRes,
		Workers:       workers,
	}}}, nil
}

// Spawn records the claim and returns a worker id; the actual process is
// expected to register itself externally and heartbeat.
func (d *Driver) Spawn(ctx context.Context, spec backend.WorkerSpec) (backend.SpawnResult, error) {
	claim := models.ClaimToken{ReactionID: spec.ReactionID, StageIdx: spec.StageIdx, Image: spec.Image.Name}
	key := claimKey(claim)

	d.mu.Lock()
	defer d.mu.Unlock()
	if wid, ok := d.byClaim[key]; ok {
		return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: wid}, nil
	}

	workerID := fmt.Sprintf("ext-%s-%s-%d", spec.Image.Name, spec.ReactionID, spec.StageIdx)
	d.byClaim[key] = workerID
	d.records[workerID] = &record{
		worker: models.Worker{
			ID:          workerID,
			Backend:     models.BackendKindExternal,
			Claim:       claim,
			Reserved:    spec.Image.Resources,
			SpawnedAt:   time.Now(),
			HeartbeatBy: time.Now().Add(60 * time.Second),
		},
		observed: backend.ObserveResult{State: backend.ObserveRunning},
	}
	return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: workerID}, nil
}

// Heartbeat is the external system's report of a worker's current state,
// the only way this driver learns anything about liveness (§4.6).
func (d *Driver) Heartbeat(workerID string, state backend.ObserveState, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[workerID]
	if !ok {
		return
	}
	r.observed = backend.ObserveResult{State: state, ExitCode: exitCode}
	r.worker.HeartbeatBy = time.Now().Add(60 * time.Second)
}

// Observe reports the last heartbeat received for workerID.
func (d *Driver) Observe(ctx context.Context, workerID string) (backend.ObserveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[workerID]
	if !ok {
		return backend.ObserveResult{State: backend.ObserveLost}, nil
	}
	return r.observed, nil
}

// Kill marks the worker finished locally; the external system is
// responsible for actually tearing it down out of band. Idempotent.
func (d *Driver) Kill(ctx context.Context, workerID string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.records[workerID]; ok {
		r.observed = backend.ObserveResult{State: backend.ObserveFinished}
	}
	for k, v := range d.byClaim {
		if v == workerID {
			delete(d.byClaim, k)
		}
	}
	return nil
}
