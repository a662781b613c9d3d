// Package snapshot keeps the retained draws of a run: one encoded tree per ensemble member
// per iteration, written once and never replaced.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"openbt/tree"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrExists is returned when an iteration is written twice.
	ErrExists   = errors.New("snapshot already stored")
	ErrNotFound = errors.New("snapshot not found")
)

// Draw is one retained iteration of an ensemble.
type Draw struct {
	Iteration int             `json:"iteration"`
	Trees     []tree.Snapshot `json:"trees"`
	Gamma     []float64       `json:"gamma,omitempty"`
}

type record struct {
	Tree  tree.Snapshot `json:"tree"`
	Gamma float64       `json:"gamma,omitempty"`
}

type Store struct {
	db *badger.DB
}

// badgerLogger forwards badger's own logging to zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}

// Open opens the store in dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}
	return open(badger.DefaultOptions(dir).WithSyncWrites(true))
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: log.With().Str("component", "snapshot").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func runPrefix(run string) []byte {
	return []byte("run/" + run + "/")
}

func key(run string, iteration, j int) []byte {
	return []byte(fmt.Sprintf("run/%s/%010d/%06d", run, iteration, j))
}

// Put writes every tree of draw in one transaction. Writing an iteration that is already
// stored fails with ErrExists and leaves the store unchanged.
func (s *Store) Put(run string, draw Draw) error {
	if draw.Gamma != nil && len(draw.Gamma) != len(draw.Trees) {
		return fmt.Errorf("draw %d has %d trees and %d gammas", draw.Iteration, len(draw.Trees), len(draw.Gamma))
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for j, snap := range draw.Trees {
			k := key(run, draw.Iteration, j)
			if _, err := txn.Get(k); err == nil {
				return fmt.Errorf("%w: run %s iteration %d tree %d", ErrExists, run, draw.Iteration, j)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			rec := record{Tree: snap}
			if draw.Gamma != nil {
				rec.Gamma = draw.Gamma[j]
			}
			value, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(k, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads back one iteration.
func (s *Store) Load(run string, iteration int) (Draw, error) {
	draw := Draw{Iteration: iteration}
	prefix := []byte(fmt.Sprintf("run/%s/%010d/", run, iteration))
	var gamma []float64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			draw.Trees = append(draw.Trees, rec.Tree)
			gamma = append(gamma, rec.Gamma)
		}
		return nil
	})
	if err != nil {
		return Draw{}, err
	}
	if len(draw.Trees) == 0 {
		return Draw{}, fmt.Errorf("%w: run %s iteration %d", ErrNotFound, run, iteration)
	}
	for _, g := range gamma {
		if g != 0 {
			draw.Gamma = gamma
			break
		}
	}
	return draw, nil
}

// Iterations lists the stored iterations of run in ascending order.
func (s *Store) Iterations(run string) ([]int, error) {
	var iterations []int
	prefix := runPrefix(run)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		last := -1
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			iteration, err := strconv.Atoi(rest[:strings.IndexByte(rest, '/')])
			if err != nil {
				return fmt.Errorf("malformed snapshot key %q: %w", it.Item().Key(), err)
			}
			if iteration != last {
				iterations = append(iterations, iteration)
				last = iteration
			}
		}
		return nil
	})
	return iterations, err
}
