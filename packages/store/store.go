// Package store implements the abstract persistence layout of §6: a
// key-value store keyed by entity id, an append-only event log of state
// transitions, and a content-addressed object store for results/children.
// The key-value and event-log layers are backed by BadgerDB; the object
// store reuses the same database under a distinct key prefix, content
// writes being idempotent by hash as §5 requires.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gabaker/thorium/packages/models"
)

var (
	reactionPrefix = []byte("reaction/")
	eventPrefix    = []byte("event/")
	objectPrefix   = []byte("object/")
	seenPrefix     = []byte("seen/")
)

// badgerLogger adapts slog to badger's internal Logger interface, matching
// the pack's established adapter shape for this dependency.
type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(f string, a ...interface{})   { l.logger.Error(fmt.Sprintf(f, a...)) }
func (l *badgerLogger) Warningf(f string, a ...interface{}) { l.logger.Warn(fmt.Sprintf(f, a...)) }
func (l *badgerLogger) Infof(f string, a ...interface{})    { l.logger.Info(fmt.Sprintf(f, a...)) }
func (l *badgerLogger) Debugf(f string, a ...interface{})   { l.logger.Debug(fmt.Sprintf(f, a...)) }

// Store is the badger-backed persistence layer. It implements
// scheduler.ReactionRepo directly.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	seq    uint64 // in-memory event sequence cursor, reloaded from db at Open
}

// Open opens (or creates) a badger database at path. path == "" opens an
// in-memory instance, used by tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		last := append(eventPrefix, 0xff)
		it.Seek(last)
		if it.ValidForPrefix(eventPrefix) {
			key := it.Item().Key()
			var seq uint64
			fmt.Sscanf(string(key[len(eventPrefix):]), "%020d", &seq)
			atomic.StoreUint64(&s.seq, seq)
		}
		return nil
	})
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ListActive implements scheduler.ReactionRepo: every reaction not yet
// terminal.
func (s *Store) ListActive(ctx context.Context) ([]*models.Reaction, error) {
	var out []*models.Reaction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = reactionPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(reactionPrefix); it.ValidForPrefix(reactionPrefix); it.Next() {
			var r models.Reaction
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode reaction: %w", err)
			}
			if !r.Terminal {
				cp := r
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// Save implements scheduler.ReactionRepo: persists r and appends a
// transition event recording its terminal/stage state, append-only (§6).
func (s *Store) Save(ctx context.Context, r *models.Reaction) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reaction: %w", err)
	}
	event := map[string]any{
		"reaction_id": r.ID,
		"stage_idx":   r.StageIdx,
		"terminal":    r.Terminal,
		"reason":      r.Reason,
	}
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(reactionKey(r.ID), data); err != nil {
			return err
		}
		seq := atomic.AddUint64(&s.seq, 1)
		return txn.Set(eventKey(seq), eventData)
	})
}

// Get fetches a single reaction by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Reaction, error) {
	var r models.Reaction
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reactionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &r) })
	})
	if err != nil {
		return nil, fmt.Errorf("get reaction %s: %w", id, err)
	}
	return &r, nil
}

// PutObject writes content under its content hash, idempotently (§5:
// "writes for the same content hash are idempotent").
func (s *Store) PutObject(hash string, content []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(hash), content)
	})
}

// GetObject reads previously stored content by hash.
func (s *Store) GetObject(hash string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", hash, err)
	}
	return out, nil
}

// MarkSeen implements eventhandler.SeenStore: it records the
// (eventID, pipelineID) pair the first time it is observed and reports
// true on every subsequent call for the same pair, giving event
// processing an idempotent-by-(event-id,pipeline) contract (§5) across
// restarts, since the marker is durable rather than in-memory.
func (s *Store) MarkSeen(ctx context.Context, eventID, pipelineID string) (bool, error) {
	key := seenKey(eventID, pipelineID)
	var alreadySeen bool
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			alreadySeen = true
			return nil
		case err == badger.ErrKeyNotFound:
			return txn.Set(key, []byte{1})
		default:
			return err
		}
	})
	return alreadySeen, err
}

func reactionKey(id string) []byte { return append(append([]byte(nil), reactionPrefix...), id...) }

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, seq))
}

func objectKey(hash string) []byte { return append(append([]byte(nil), objectPrefix...), hash...) }

func seenKey(eventID, pipelineID string) []byte {
	return append(append([]byte(nil), seenPrefix...), eventID+"/"+pipelineID...)
}
