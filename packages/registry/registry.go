// Package registry implements image/pipeline registration: loading YAML
// manifests, validating them with struct tags, and indexing pipelines by
// the images they reference so the Ban Registry can answer
// PipelinesContainingImage (§3, §4.3).
package registry

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gabaker/thorium/packages/code"
	"github.com/gabaker/thorium/packages/models"
)

var validate = validator.New()

// Registry holds the currently registered images and pipelines for every
// group, group-qualified by id (group/name).
type Registry struct {
	mu        sync.RWMutex
	images    map[string]models.Image
	pipelines map[string]models.Pipeline

	// byImage indexes pipeline ids that reference a given image id, kept
	// in lock-step with pipelines so PipelinesContainingImage is O(1).
	byImage map[string][]string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		images:    make(map[string]models.Image),
		pipelines: make(map[string]models.Pipeline),
		byImage:   make(map[string][]string),
	}
}

// LoadImageYAML parses and validates an image manifest, then registers it.
func (r *Registry) LoadImageYAML(data []byte) (models.Image, error) {
	var img models.Image
	if err := yaml.Unmarshal(data, &img); err != nil {
		return models.Image{}, code.Wrap(code.ConfigInvalid, "parse image manifest", err)
	}
	if err := r.RegisterImage(img); err != nil {
		return models.Image{}, err
	}
	return img, nil
}

// RegisterImage validates and stores img, keyed group-qualified.
func (r *Registry) RegisterImage(img models.Image) error {
	if err := validate.Struct(img); err != nil {
		return code.Wrap(code.ConfigInvalid, "image validation failed", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[img.ID()] = img
	return nil
}

// Image implements scheduler.ImageLookup.
func (r *Registry) Image(id string) (models.Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[id]
	return img, ok
}

// LoadPipelineYAML parses, validates, and registers a pipeline manifest.
// RegisterPipeline checks it against the images already registered in its
// group, enforcing the §3 "every referenced image exists" invariant.
func (r *Registry) LoadPipelineYAML(data []byte) (models.Pipeline, error) {
	var p models.Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return models.Pipeline{}, code.Wrap(code.ConfigInvalid, "parse pipeline manifest", err)
	}
	if err := r.RegisterPipeline(p); err != nil {
		return models.Pipeline{}, err
	}
	return p, nil
}

// RegisterPipeline validates p against the images already registered in
// its group and stores it, updating the image-to-pipeline index.
func (r *Registry) RegisterPipeline(p models.Pipeline) error {
	if err := validate.Struct(p); err != nil {
		return code.Wrap(code.ConfigInvalid, "pipeline validation failed", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	groupImages := make(map[string]models.Image)
	for _, img := range r.images {
		if img.Group == p.Group {
			groupImages[img.Name] = img
		}
	}
	if err := p.Validate(groupImages); err != nil {
		return err
	}

	r.removeFromIndexLocked(p.ID())
	r.pipelines[p.ID()] = p
	for _, img := range p.Images() {
		imgID := p.Group + "/" + img
		r.byImage[imgID] = append(r.byImage[imgID], p.ID())
	}
	return nil
}

func (r *Registry) removeFromIndexLocked(pipelineID string) {
	for imgID, pipelines := range r.byImage {
		out := pipelines[:0]
		for _, id := range pipelines {
			if id != pipelineID {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(r.byImage, imgID)
		} else {
			r.byImage[imgID] = out
		}
	}
}

// Pipeline implements scheduler.PipelineLookup.
func (r *Registry) Pipeline(id string) (models.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// PipelinesContainingImage implements bans.PipelineIndex.
func (r *Registry) PipelinesContainingImage(imageID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.byImage[imageID]))
	copy(out, r.byImage[imageID])
	return out
}

// ListImages returns every image currently registered in group.
func (r *Registry) ListImages(group string) []models.Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Image
	for _, img := range r.images {
		if img.Group == group {
			out = append(out, img)
		}
	}
	return out
}

// ListPipelines returns every pipeline currently registered in group.
func (r *Registry) ListPipelines(group string) []models.Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Pipeline
	for _, p := range r.pipelines {
		if p.Group == group {
			out = append(out, p)
		}
	}
	return out
}
