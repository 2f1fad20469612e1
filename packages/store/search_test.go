package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSearchIndexByTag exercises SearchIndex against a real Postgres
// instance. It is skipped unless THORIUM_TEST_SEARCH_DSN is set, since
// SearchIndex has no in-memory mode (unlike the badger-backed Store).
func TestSearchIndexByTag(t *testing.T) {
	dsn := os.Getenv("THORIUM_TEST_SEARCH_DSN")
	if dsn == "" {
		t.Skip("THORIUM_TEST_SEARCH_DSN not set, skipping search index integration test")
	}

	idx, err := OpenSearchIndex(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	ctx := context.Background()
	_, err = idx.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reaction_search (
			reaction_id TEXT PRIMARY KEY,
			"group" TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			sample_ref TEXT NOT NULL,
			tags JSONB NOT NULL
		)
	`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = idx.db.ExecContext(ctx, `DELETE FROM reaction_search WHERE reaction_id = 'r1'`) })

	tags := map[string][]string{"malware-family": {"emotet"}}
	require.NoError(t, idx.IndexReaction(ctx, "r1", "g", "p1", "sample://hash1", tags))

	ids, err := idx.SearchByTag(ctx, "malware-family", "emotet")
	require.NoError(t, err)
	require.Contains(t, ids, "r1")

	ids, err = idx.SearchByTag(ctx, "malware-family", "no-such-family")
	require.NoError(t, err)
	require.NotContains(t, ids, "r1")
}
