package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabaker/thorium/packages/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	r := models.NewReaction("r1", "g", "p1", "alice", "sample", time.Now(), 60, []models.Stage{{"clamav"}})

	require.NoError(t, s.Save(context.Background(), &r))

	got, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Pipeline, got.Pipeline)
}

func TestListActiveExcludesTerminalReactions(t *testing.T) {
	s := openTestStore(t)
	active := models.NewReaction("r-active", "g", "p1", "alice", "sample", time.Now(), 60, []models.Stage{{"clamav"}})
	done := models.NewReaction("r-done", "g", "p1", "alice", "sample", time.Now(), 60, []models.Stage{{"clamav"}})
	done.Terminal = true

	require.NoError(t, s.Save(context.Background(), &active))
	require.NoError(t, s.Save(context.Background(), &done))

	out, err := s.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r-active", out[0].ID)
}

func TestPutAndGetObjectIsIdempotentByHash(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutObject("hash1", []byte("content")))
	require.NoError(t, s.PutObject("hash1", []byte("content")))

	got, err := s.GetObject("hash1")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)
}

func TestMarkSeenIsIdempotentByEventAndPipeline(t *testing.T) {
	s := openTestStore(t)

	seen, err := s.MarkSeen(context.Background(), "evt1", "g/p1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.MarkSeen(context.Background(), "evt1", "g/p1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.MarkSeen(context.Background(), "evt1", "g/p2")
	require.NoError(t, err)
	assert.False(t, seen)
}
