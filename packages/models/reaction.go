package models

import "time"

// StageState is one of the per-stage states of §4.4. It is a derived
// aggregate of its images' ImageState values, not stored directly.
type StageState string

const (
	StageCreated   StageState = "created"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
	StageSleeping  StageState = "sleeping"
)

// FailureReason names why a reaction or stage reached a terminal failure,
// surfaced to users as a stable string (§7).
type FailureReason string

const (
	FailureNone         FailureReason = ""
	FailureSLAExpired   FailureReason = "SlaExpired"
	FailureSleepTimeout FailureReason = "SleepTimeout"
	FailureWorkerLost   FailureReason = "WorkerLost"
	FailureToolFailure  FailureReason = "ToolFailure"
	FailureBadOutput    FailureReason = "BadOutput"
	FailureBanned       FailureReason = "Banned"
)

// WakePredicate is the condition under which a Sleeping stage returns to
// Created (§4.4).
type WakePredicate struct {
	AllChildrenTerminal bool       `json:"all_children_terminal,omitempty"`
	WakeTag             string     `json:"wake_tag,omitempty"`
	WakeAt              *time.Time `json:"wake_at,omitempty"`
	Deadline            time.Time  `json:"deadline"`
}

// ImageRecord is the mutable per-image bookkeeping within one stage: one
// image in a stage's parallel set carries its own state, retry count, and
// claim, since a stage only completes once every one of its images
// reaches Completed.
type ImageRecord struct {
	State      StageState     `json:"state"`
	Retries    int            `json:"retries"`
	Reason     FailureReason  `json:"reason,omitempty"`
	Claim      *ClaimToken    `json:"claim,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Wake       *WakePredicate `json:"wake,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// StageRecord is the mutable per-stage bookkeeping inside a Reaction: one
// ImageRecord per image named in the pipeline's stage definition.
type StageRecord struct {
	Images map[string]*ImageRecord `json:"images"`
}

// NewStageRecord builds a StageRecord with every named image in state
// Created.
func NewStageRecord(images []string) StageRecord {
	m := make(map[string]*ImageRecord, len(images))
	for _, img := range images {
		m[img] = &ImageRecord{State: StageCreated}
	}
	return StageRecord{Images: m}
}

// Aggregate derives the stage-level superstate from its images' states
// (§4.4): Completed only once every image is Completed; Failed if any
// image is permanently Failed; Sleeping if any image sleeps and none
// failed; Running if any is Running; else Created.
func (s StageRecord) Aggregate() StageState {
	allCompleted := true
	anyFailed := false
	anySleeping := false
	anyRunning := false
	for _, img := range s.Images {
		switch img.State {
		case StageCompleted:
		case StageFailed:
			anyFailed = true
			allCompleted = false
		case StageSleeping:
			anySleeping = true
			allCompleted = false
		case StageRunning:
			anyRunning = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}
	switch {
	case anyFailed:
		return StageFailed
	case allCompleted && len(s.Images) > 0:
		return StageCompleted
	case anySleeping:
		return StageSleeping
	case anyRunning:
		return StageRunning
	default:
		return StageCreated
	}
}

// GeneratorState tracks a generator image's in-flight sub-reactions
// (§4.4). VisitedPipelines is the acyclicity set of P7: a generator
// carries the pipeline ids already in its ancestry so it cannot spawn its
// own pipeline transitively.
type GeneratorState struct {
	ChildIDs         []string `json:"child_ids"`
	PendingChildren  int      `json:"pending_children"`
	VisitedPipelines []string `json:"visited_pipelines"`
}

// Reaction is an instance of a pipeline applied to a sample: the unit of
// scheduling (§3).
type Reaction struct {
	// Immutable head.
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	Pipeline  string    `json:"pipeline"`
	User      string    `json:"user"`
	SampleRef string    `json:"sample_ref"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
	ParentID  string    `json:"parent_reaction,omitempty"`

	// Mutable body.
	StageIdx  int                 `json:"stage_idx"`
	Stages    []StageRecord       `json:"stages"`
	Tags      map[string][]string `json:"tags,omitempty"`
	Children  []string            `json:"children,omitempty"`
	Generator *GeneratorState     `json:"generator,omitempty"`
	Dangling  bool                `json:"dangling,omitempty"`
	Terminal  bool                `json:"terminal,omitempty"`
	Reason    FailureReason       `json:"reason,omitempty"`
}

// NewReaction builds a Reaction in state Created for every image of every
// stage in order.
func NewReaction(id, group, pipeline, user, sampleRef string, createdAt time.Time, slaSeconds int, order []Stage) Reaction {
	stages := make([]StageRecord, len(order))
	for i, stage := range order {
		stages[i] = NewStageRecord(stage)
	}
	return Reaction{
		ID:        id,
		Group:     group,
		Pipeline:  pipeline,
		User:      user,
		SampleRef: sampleRef,
		CreatedAt: createdAt,
		Deadline:  createdAt.Add(time.Duration(slaSeconds) * time.Second),
		Stages:    stages,
	}
}

// CurrentStage returns a pointer to the stage record the reaction is
// currently on, or nil if the reaction has advanced past its last stage.
func (r *Reaction) CurrentStage() *StageRecord {
	if r.StageIdx < 0 || r.StageIdx >= len(r.Stages) {
		return nil
	}
	return &r.Stages[r.StageIdx]
}

// SLAExpired reports whether now is past the reaction's deadline and the
// reaction has not yet reached a terminal state (§4.4).
func (r Reaction) SLAExpired(now time.Time) bool {
	return !r.Terminal && now.After(r.Deadline)
}
