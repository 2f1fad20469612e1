package scheduler

import (
	"github.com/gabaker/thorium/packages/ledger"
	"github.com/gabaker/thorium/packages/models"
)

// BackendStats is the per-backend rollup of the §6 stats snapshot.
type BackendStats struct {
	Deadlines int `json:"deadlines"`
	Running   int `json:"running"`
}

// UserStats is the innermost §6 counter set, one per
// (group, pipeline, stage, user).
type UserStats struct {
	Created   int `json:"created"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Sleeping  int `json:"sleeping"`
	Total     int `json:"total"`
}

// Stats is the full §6 stats snapshot structure.
type Stats struct {
	Deadlines int                   `json:"deadlines"`
	Running   int                   `json:"running"`
	Users     int                   `json:"users"`
	K8s       BackendStats          `json:"k8s"`
	BareMetal BackendStats          `json:"baremetal"`
	External  BackendStats          `json:"external"`
	Groups    map[string]GroupStats `json:"groups"`
}

// GroupStats nests pipelines within a group.
type GroupStats struct {
	Pipelines map[string]PipelineStats `json:"pipelines"`
}

// PipelineStats nests stages within a pipeline.
type PipelineStats struct {
	Stages map[int]StageStats `json:"stages"`
}

// StageStats nests per-user counters within a stage.
type StageStats struct {
	Users map[string]UserStats `json:"users"`
}

// BuildStats assembles the §6 snapshot from the ledger's current entries,
// the scheduler's own worker bookkeeping (grouped by backend kind, since
// Workers are weakly referenced by the Ledger per §3), and the tick's
// pending demand, attributed to a backend per image by
// Image.PreferredBackend (falling back to defaultBackend) since pending
// demand is not assigned to a concrete backend until fitAndAssign runs.
func BuildStats(entries map[models.LedgerKey]ledger.Entry, workers map[string]*trackedWorker,
	demand map[models.LedgerKey][]demandItem, images ImageLookup, defaultBackend models.BackendKind) Stats {
	out := Stats{Groups: make(map[string]GroupStats)}
	users := make(map[string]struct{})

	for key, e := range entries {
		out.Deadlines += e.Deadlines
		out.Running += e.Running
		users[key.User] = struct{}{}

		group, ok := out.Groups[key.Group]
		if !ok {
			group = GroupStats{Pipelines: make(map[string]PipelineStats)}
		}
		pipe, ok := group.Pipelines[key.Pipeline]
		if !ok {
			pipe = PipelineStats{Stages: make(map[int]StageStats)}
		}
		stage, ok := pipe.Stages[key.Stage]
		if !ok {
			stage = StageStats{Users: make(map[string]UserStats)}
		}
		stage.Users[key.User] = UserStats{
			Created:   e.Deadlines - e.Running,
			Running:   e.Running,
			Completed: e.Completed,
			Failed:    e.Failed,
			Sleeping:  e.Sleeping,
			Total:     e.Total,
		}
		pipe.Stages[key.Stage] = stage
		group.Pipelines[key.Pipeline] = pipe
		out.Groups[key.Group] = group
	}
	out.Users = len(users)

	for _, w := range workers {
		switch w.backend {
		case models.BackendKindK8s:
			out.K8s.Running++
		case models.BackendKindBareMetal:
			out.BareMetal.Running++
		case models.BackendKindExternal:
			out.External.Running++
		}
	}

	for _, items := range demand {
		for _, item := range items {
			kind := defaultBackend
			if img, ok := images.Image(item.reaction.Group + "/" + item.image); ok && img.PreferredBackend != models.BackendUnset {
				kind = models.BackendKind(img.PreferredBackend)
			}
			switch kind {
			case models.BackendKindK8s:
				out.K8s.Deadlines++
			case models.BackendKindBareMetal:
				out.BareMetal.Deadlines++
			case models.BackendKindExternal:
				out.External.Deadlines++
			}
		}
	}
	return out
}
