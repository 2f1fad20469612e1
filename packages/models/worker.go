package models

import (
	"time"

	"github.com/gabaker/thorium/packages/resources"
)

// BackendKind identifies which Backend Driver owns a worker.
type BackendKind string

const (
	BackendKindK8s       BackendKind = "k8s"
	BackendKindBareMetal BackendKind = "baremetal"
	BackendKindExternal  BackendKind = "external"
)

// ClaimToken identifies the (reaction, stage, image) tuple a worker is
// executing, used to deduplicate spawns (P6) and to install/verify the
// Running-stage claim (I5).
type ClaimToken struct {
	ReactionID string `json:"reaction_id"`
	StageIdx   int    `json:"stage_idx"`
	Image      string `json:"image"`
}

// Worker is an ephemeral execution slot created when the Scheduler asks a
// Backend to spawn (§3). Owned by the Backend Driver; weakly referenced by
// the Ledger for accounting.
type Worker struct {
	ID          string              `json:"id"`
	Backend     BackendKind         `json:"backend"`
	Node        string              `json:"node"`
	Reserved    resources.Resources `json:"reserved"`
	Claim       ClaimToken          `json:"claim"`
	SpawnedAt   time.Time           `json:"spawned_at"`
	HeartbeatBy time.Time           `json:"heartbeat_by"`
}

// HeartbeatExpired reports whether the worker's heartbeat deadline has
// passed as of now, per the T_hb default of 60s (§5).
func (w Worker) HeartbeatExpired(now time.Time) bool {
	return now.After(w.HeartbeatBy)
}
