// Package badgerstore keeps checkpoint records in an embedded BadgerDB.
//
// Records are stored as JSON under checkpoint/<id>. Writes are synchronous so a
// returned Put means the record is on disk, and existing keys are never overwritten.
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/models"
)

const keyPrefix = "checkpoint/"

// Config holds configuration for the BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a checkpoint.Backend over BadgerDB.
type Store struct {
	db *badger.DB
}

var _ checkpoint.Backend = (*Store)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent checkpoint store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create checkpoint directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger database")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes cp under its id. An existing record is never replaced.
func (s *Store) Put(ctx context.Context, cp *models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	key := []byte(keyPrefix + cp.ID)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return errors.Wrapf(checkpoint.ErrAlreadyExists, "id %s", cp.ID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return errors.Wrap(err, "check existing checkpoint")
		}
		return txn.Set(key, payload)
	})
}

// Get returns the records for ids that exist; unknown ids are skipped.
func (s *Store) Get(ctx context.Context, ids []string) ([]*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get([]byte(keyPrefix + id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "get checkpoint %s", id)
			}
			cp, err := decode(item)
			if err != nil {
				return err
			}
			out = append(out, cp)
		}
		return nil
	})
	return out, err
}

// Scan returns up to limit records matching filter, newest first. limit <= 0 means all.
func (s *Store) Scan(ctx context.Context, filter models.CheckpointFilter, limit int) ([]*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			cp, err := decode(it.Item())
			if err != nil {
				return err
			}
			if filter.Matches(cp) {
				out = append(out, cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b *models.Checkpoint) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decode(item *badger.Item) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cp)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", item.Key())
	}
	return &cp, nil
}
