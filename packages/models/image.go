package models

import "github.com/gabaker/thorium/packages/resources"

// ArgDiscipline is how a single value (job id, result path, ...) is passed
// on a tool's command line (§6 argument discipline).
type ArgDiscipline struct {
	Mode ArgMode `json:"mode" yaml:"mode" validate:"omitempty,oneof=none append kwarg"`
	Flag string  `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// ArgMode enumerates the three passing disciplines an image can declare.
type ArgMode string

const (
	ArgNone   ArgMode = "none"
	ArgAppend ArgMode = "append"
	ArgKwarg  ArgMode = "kwarg"
)

// ArgsConfig declares how the agent passes job id, result path,
// result-files dir and input path to the tool binary.
type ArgsConfig struct {
	JobID          ArgDiscipline `json:"job_id" yaml:"job_id"`
	Results        ArgDiscipline `json:"results" yaml:"results"`
	ResultFilesDir ArgDiscipline `json:"result_files_dir" yaml:"result_files_dir"`
	InputPath      ArgDiscipline `json:"input_path" yaml:"input_path"`
}

// Cleanup declares the optional cancellation-time invocation, using the
// same per-value arg discipline as Args.
type Cleanup struct {
	Script string     `json:"script" yaml:"script" validate:"required"`
	Args   ArgsConfig `json:"args" yaml:"args"`
}

// SpawnLimit clamps how many workers of this image may be spawned per
// tick and in total.
type SpawnLimit struct {
	PerTick int `json:"per_tick,omitempty" yaml:"per_tick,omitempty"`
	Global  int `json:"global,omitempty" yaml:"global,omitempty"`
}

// OutputCollection names where the agent should write results/children/tags,
// i.e. which collaborator object-store collection owns this image's output.
type OutputCollection struct {
	Name string `json:"name" yaml:"name" validate:"required"`
}

// Backend names the preferred backend for an image, matching the §4.5
// backend-selection policy's "named in the image config" clause.
type Backend string

const (
	BackendUnset     Backend = ""
	BackendK8s       Backend = "k8s"
	BackendBareMetal Backend = "baremetal"
	BackendExternal  Backend = "external"
)

// Image is an executable unit: a named, containerized tool with declared
// inputs, resources, and output discipline (§3).
type Image struct {
	Name             string              `json:"name" yaml:"name" validate:"required"`
	Group            string              `json:"group" yaml:"group" validate:"required"`
	Container        string              `json:"container" yaml:"container" validate:"required"`
	Resources        resources.Resources `json:"resources" yaml:"resources"`
	Args             ArgsConfig          `json:"args" yaml:"args"`
	Cleanup          *Cleanup            `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	SpawnLimit       SpawnLimit          `json:"spawn_limit" yaml:"spawn_limit"`
	Bans             map[string]BanKind  `json:"bans,omitempty" yaml:"bans,omitempty"`
	Dependencies     []string            `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	OutputCollection OutputCollection    `json:"output_collection" yaml:"output_collection"`
	PreferredBackend Backend             `json:"backend,omitempty" yaml:"backend,omitempty"`
	TimeoutSeconds   int                 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Generator        bool                `json:"generator,omitempty" yaml:"generator,omitempty"`
}

// ID returns the image's registry key, group-qualified.
func (i Image) ID() string { return i.Group + "/" + i.Name }

// IsBanned reports whether the image currently carries any ban.
func (i Image) IsBanned() bool { return len(i.Bans) > 0 }
