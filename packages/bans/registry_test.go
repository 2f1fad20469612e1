package bans

import (
	"testing"
	"time"

	"github.com/gabaker/thorium/packages/models"
	"github.com/stretchr/testify/assert"
)

type fakeIndex struct {
	byImage map[string][]string
}

func (f fakeIndex) PipelinesContainingImage(imageID string) []string { return f.byImage[imageID] }

func TestBanPropagatesToPipelines(t *testing.T) {
	idx := fakeIndex{byImage: map[string][]string{"g/yara": {"g/p2"}}}
	r := New(idx)

	r.Ban("ban1", "g/yara", models.BanKind{Kind: models.BanKindGeneric, Msg: "cve"}, time.Now())

	assert.True(t, r.IsBanned("g/yara"))
	assert.True(t, r.IsBanned("g/p2"))

	bans := r.ListBans("g/p2")
	assert.Len(t, bans, 1)
	assert.Equal(t, models.BanKindBannedImage, bans[0].Kind.Kind)
}

func TestLiftRemovesSynthesizedBanWhenDependentsReachZero(t *testing.T) {
	idx := fakeIndex{byImage: map[string][]string{"g/yara": {"g/p2"}}}
	r := New(idx)

	r.Ban("ban1", "g/yara", models.BanKind{Kind: models.BanKindGeneric}, time.Now())
	r.Lift("ban1", "g/yara")

	assert.False(t, r.IsBanned("g/yara"))
	assert.False(t, r.IsBanned("g/p2"))
}

func TestBanPropagatesToEveryContainingPipeline(t *testing.T) {
	idx := fakeIndex{byImage: map[string][]string{"g/yara": {"g/p2", "g/p3"}}}
	r := New(idx)

	r.Ban("ban1", "g/yara", models.BanKind{Kind: models.BanKindGeneric}, time.Now())
	assert.True(t, r.IsBanned("g/p2"))
	assert.True(t, r.IsBanned("g/p3"))
}
