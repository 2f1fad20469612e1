// Package baremetal implements the bare-metal Backend Driver (§4.6): a
// static registry of hosts with declared resources, against which
// workers are scheduled as simple in-memory reservations (no container
// runtime involved, matching a bare-metal tool invocation).
package baremetal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gabaker/thorium/packages/backend"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/resources"
)

// Host is one statically configured bare-metal machine.
type Host struct {
	ID            string
	Capacity      resources.Resources
	BurstCapacity resources.Resources
}

type slot struct {
	worker models.Worker
	host   string
}

// Driver implements backend.Driver over a static host registry.
type Driver struct {
	logger *slog.Logger

	mu      sync.Mutex
	hosts   map[string]Host
	byClaim map[string]string
	slots   map[string]*slot
	dead    map[string]bool // workerID -> true once Kill'd or reported finished
}

// NewDriver constructs a Driver from a static list of hosts.
func NewDriver(hosts []Host, logger *slog.Logger) *Driver {
	hostMap := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		hostMap[h.ID] = h
	}
	return &Driver{
		logger:  logger,
		hosts:   hostMap,
		byClaim: make(map[string]string),
		slots:   make(map[string]*slot),
		dead:    make(map[string]bool),
	}
}

func (d *Driver) Kind() models.BackendKind { return models.BackendKindBareMetal }

func claimKey(c models.ClaimToken) string {
	return fmt.Sprintf("%s/%d/%s", c.ReactionID, c.StageIdx, c.Image)
}

// Snapshot reports every host and its currently reserved workers.
func (d *Driver) Snapshot(ctx context.Context) (backend.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byHost := make(map[string][]models.Worker)
	for _, s := range d.slots {
		byHost[s.host] = append(byHost[s.host], s.worker)
	}

	nodes := make([]backend.Node, 0, len(d.hosts))
	for id, h := range d.hosts {
		nodes = append(nodes, backend.Node{
			ID:            id,
			Capacity:      h.Capacity,
			BurstCapacity: h.BurstCapacity,
			Workers:       byHost[id],
		})
	}
	return backend.Snapshot{Nodes: nodes}, nil
}

// Spawn reserves a slot on the first host with free capacity. Repeated
// calls with the same claim return the previously reserved worker (P6).
func (d *Driver) Spawn(ctx context.Context, spec backend.WorkerSpec) (backend.SpawnResult, error) {
	claim := models.ClaimToken{ReactionID: spec.ReactionID, StageIdx: spec.StageIdx, Image: spec.Image.Name}
	key := claimKey(claim)

	d.mu.Lock()
	defer d.mu.Unlock()

	if wid, ok := d.byClaim[key]; ok {
		return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: wid}, nil
	}

	for hostID, host := range d.hosts {
		used := resources.Resources{}
		for _, s := range d.slots {
			if s.host == hostID {
				used = used.Add(s.worker.Reserved)
			}
		}
		free := host.Capacity.SubSaturating(used)
		freeBurst := host.BurstCapacity.SubSaturating(used)
		if !spec.Image.Resources.FitsInBurstAware(free, freeBurst) {
			continue
		}

		workerID := fmt.Sprintf("bm-%s-%s-%d", spec.Image.Name, spec.ReactionID, spec.StageIdx)
		w := models.Worker{
			ID:          workerID,
			Backend:     models.BackendKindBareMetal,
			Node:        hostID,
			Reserved:    spec.Image.Resources,
			Claim:       claim,
			SpawnedAt:   time.Now(),
			HeartbeatBy: time.Now().Add(60 * time.Second),
		}
		d.slots[workerID] = &slot{worker: w, host: hostID}
		d.byClaim[key] = workerID
		d.logger.Info("bare-metal slot reserved", slog.String("worker", workerID), slog.String("host", hostID))
		return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: workerID}, nil
	}

	return backend.SpawnResult{Outcome: backend.SpawnNoCapacity}, nil
}

// Observe reports running while the slot is reserved, finished once Kill
// has released it, and lost for an id this driver never reserved.
func (d *Driver) Observe(ctx context.Context, workerID string) (backend.ObserveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead[workerID] {
		return backend.ObserveResult{State: backend.ObserveFinished}, nil
	}
	if _, ok := d.slots[workerID]; !ok {
		return backend.ObserveResult{State: backend.ObserveLost}, nil
	}
	return backend.ObserveResult{State: backend.ObserveRunning}, nil
}

// Kill releases the reserved slot. Idempotent.
func (d *Driver) Kill(ctx context.Context, workerID string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("releasing bare-metal slot", slog.String("worker", workerID), slog.String("reason", reason))
	delete(d.slots, workerID)
	d.dead[workerID] = true
	for k, v := range d.byClaim {
		if v == workerID {
			delete(d.byClaim, k)
		}
	}
	return nil
}
