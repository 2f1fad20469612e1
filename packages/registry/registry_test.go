package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/resources"
)

func validImage(group, name string) models.Image {
	return models.Image{
		Name:             name,
		Group:            group,
		Container:        name + ":latest",
		Resources:        resources.Resources{CPU: 250, Memory: 1 << 20},
		OutputCollection: models.OutputCollection{Name: "default"},
	}
}

func TestRegisterPipelineRejectsUnknownImage(t *testing.T) {
	r := New()
	p := models.Pipeline{Group: "g", Name: "p1", SLA: 60, Order: []models.Stage{{"clamav"}}}

	err := r.RegisterPipeline(p)

	require.Error(t, err)
}

func TestRegisterPipelineSucceedsAndIndexesImage(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterImage(validImage("g", "clamav")))

	p := models.Pipeline{Group: "g", Name: "p1", SLA: 60, Order: []models.Stage{{"clamav"}}}
	require.NoError(t, r.RegisterPipeline(p))

	got, ok := r.Pipeline("g/p1")
	require.True(t, ok)
	assert.Equal(t, p.SLA, got.SLA)

	assert.Equal(t, []string{"g/p1"}, r.PipelinesContainingImage("g/clamav"))
}

func TestRegisterPipelineRejectsEmptyStage(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterImage(validImage("g", "clamav")))

	p := models.Pipeline{Group: "g", Name: "p1", SLA: 60, Order: []models.Stage{{}}}
	err := r.RegisterPipeline(p)

	require.Error(t, err)
}

func TestLoadImageYAML(t *testing.T) {
	r := New()
	yamlDoc := []byte(`
name: yara
group: g
container: yara:latest
resources:
  cpu: 250
output_collection:
  name: default
`)
	img, err := r.LoadImageYAML(yamlDoc)
	require.NoError(t, err)
	assert.Equal(t, "yara", img.Name)

	got, ok := r.Image("g/yara")
	require.True(t, ok)
	assert.Equal(t, "yara:latest", got.Container)
}
