package models

import "github.com/gabaker/thorium/packages/code"

// TriggerKind enumerates what kind of event a pipeline trigger reacts to.
type TriggerKind string

const (
	TriggerTag       TriggerKind = "tag"
	TriggerNewSample TriggerKind = "new_sample"
	TriggerNewRepo   TriggerKind = "new_repo"
)

// Trigger is a declared rule under which a pipeline is auto-submitted in
// reaction to an event (§6 trigger grammar).
type Trigger struct {
	Kind     TriggerKind         `json:"kind" yaml:"kind" validate:"required,oneof=tag new_sample new_repo"`
	Required map[string][]string `json:"required,omitempty" yaml:"required,omitempty"`
	Not      map[string][]string `json:"not,omitempty" yaml:"not,omitempty"`
	// MaxDepth bounds recursive trigger chains to prevent explosion.
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
}

// Matches reports whether the given tag set satisfies this trigger's
// required/forbidden grammar: every required key must have at least one of
// its listed values present, and no "not" key/value pair may be present.
func (t Trigger) Matches(tags map[string][]string) bool {
	for key, values := range t.Required {
		if !anyValuePresent(tags[key], values) {
			return false
		}
	}
	for key, values := range t.Not {
		if anyValuePresent(tags[key], values) {
			return false
		}
	}
	return true
}

func anyValuePresent(have []string, want []string) bool {
	if len(want) == 0 {
		return len(have) > 0
	}
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Stage is one position in a pipeline's order: an unordered set of images
// that run in parallel and must all reach Completed before the pipeline
// advances.
type Stage []string

// Pipeline is an ordered sequence of stages, each a parallel set of images,
// owned by a group (§3).
type Pipeline struct {
	Group    string             `json:"group" yaml:"group" validate:"required"`
	Name     string             `json:"name" yaml:"name" validate:"required"`
	Order    []Stage            `json:"order" yaml:"order" validate:"required,min=1"`
	SLA      int                `json:"sla" yaml:"sla" validate:"required,gt=0"`
	Triggers []Trigger          `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Bans     map[string]BanKind `json:"bans,omitempty" yaml:"bans,omitempty"`
}

// ID returns the pipeline's registry key, group-qualified.
func (p Pipeline) ID() string { return p.Group + "/" + p.Name }

// Images returns the set of every image name referenced anywhere in the
// pipeline's order, used by registration validation and ban propagation.
func (p Pipeline) Images() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, stage := range p.Order {
		for _, img := range stage {
			if _, ok := seen[img]; !ok {
				seen[img] = struct{}{}
				out = append(out, img)
			}
		}
	}
	return out
}

// Validate enforces the registration-time invariants of §3/§9: every
// referenced image must exist in the group, and no stage may be empty
// (an empty inner list is ConfigInvalid per §9 open question c).
func (p Pipeline) Validate(groupImages map[string]Image) error {
	if len(p.Order) == 0 {
		return code.New(code.ConfigInvalid, "pipeline has no stages")
	}
	for idx, stage := range p.Order {
		if len(stage) == 0 {
			return code.Newf(code.ConfigInvalid, "stage %d is empty", idx)
		}
		for _, img := range stage {
			if _, ok := groupImages[img]; !ok {
				return code.Newf(code.ConfigInvalid, "stage %d references unknown image %q", idx, img)
			}
		}
	}
	return nil
}

// IsBanned reports whether the pipeline carries any ban, including
// BannedImage bans synthesized by the Ban Registry (I3).
func (p Pipeline) IsBanned() bool { return len(p.Bans) > 0 }
