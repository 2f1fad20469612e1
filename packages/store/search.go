package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// SearchIndex is the optional relational side-table for the abstract
// "index for tag/result search" of §6, backed by Postgres. It is
// additive: losing it does not lose data, only searchability, since the
// Store remains the source of truth for reactions and objects.
type SearchIndex struct {
	db *sql.DB
}

// OpenSearchIndex connects to Postgres at dsn and verifies connectivity.
func OpenSearchIndex(dsn string) (*SearchIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping search index: %w", err)
	}
	return &SearchIndex{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *SearchIndex) Close() error { return s.db.Close() }

// IndexReaction upserts a reaction's tags and sample reference so it can
// be found by tag/result search queries (§6).
func (s *SearchIndex) IndexReaction(ctx context.Context, reactionID, group, pipeline, sampleRef string, tags map[string][]string) error {
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reaction_search (reaction_id, "group", pipeline, sample_ref, tags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reaction_id) DO UPDATE
		SET tags = EXCLUDED.tags, sample_ref = EXCLUDED.sample_ref
	`, reactionID, group, pipeline, sampleRef, tagJSON)
	return err
}

// SearchByTag returns every reaction id whose tag set contains key=value.
func (s *SearchIndex) SearchByTag(ctx context.Context, key, value string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reaction_id FROM reaction_search
		WHERE tags -> $1 ? $2
	`, key, value)
	if err != nil {
		return nil, fmt.Errorf("search by tag: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
