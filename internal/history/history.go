// Package history keeps a local record of finished transfer sessions in
// BadgerDB. Keys sort by start time, so listings are cheap reverse scans.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/health"
	"github.com/piwi3910/rdmaxfer/internal/telemetry"
)

const (
	keyPrefix      = "run/"
	dirPermissions = 0o750

	// DefaultLimit is the number of runs List returns when limit <= 0.
	DefaultLimit = 20
)

// ErrNotFound is returned when no run matches.
var ErrNotFound = errors.New("run not found")

// Session kinds.
const (
	KindBulkSend    = "bulk-send"
	KindBulkReceive = "bulk-receive"
	KindBasicClient = "basic-client"
	KindBasicServer = "basic-server"
	KindImmClient   = "imm-client"
	KindImmServer   = "imm-server"
	KindTCPSend     = "tcp-send"
	KindTCPSink     = "tcp-sink"
)

// Record describes one finished session.
type Record struct {
	SessionID  string              `json:"session_id"`
	Kind       string              `json:"kind"`
	Role       string              `json:"role"`
	Fabric     string              `json:"fabric,omitempty"`
	Peer       string              `json:"peer,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Elapsed    time.Duration       `json:"elapsed"`
	Requested  uint64              `json:"requested,omitempty"`
	Bytes      uint64              `json:"bytes"`
	Throughput float64             `json:"throughput_bytes_per_sec"`
	Operations uint64              `json:"operations,omitempty"`
	Signaled   uint64              `json:"signaled,omitempty"`
	Truncated  bool                `json:"truncated,omitempty"`
	Stalls     int                 `json:"stalls,omitempty"`
	Verified   *uint64             `json:"verified,omitempty"`
	Latency    telemetry.Quantiles `json:"latency"`
	Error      string              `json:"error,omitempty"`
}

// Succeeded reports whether the session ended without error.
func (r Record) Succeeded() bool {
	return r.Error == ""
}

// MiBPerSecond returns the throughput in MiB/s.
func (r Record) MiBPerSecond() float64 {
	return r.Throughput / (1024 * 1024)
}

func recordKey(r Record) []byte {
	return fmt.Appendf(nil, "%s%020d/%s", keyPrefix, r.StartedAt.UnixNano(), r.SessionID)
}

// Store persists records.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores r. StartedAt and SessionID must be set.
func (s *Store) Put(r Record) error {
	if r.SessionID == "" || r.StartedAt.IsZero() {
		return errors.New("history record needs a session id and start time")
	}

	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r), val)
	})
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	log.Debug().Str("session_id", r.SessionID).Str("kind", r.Kind).Msg("Run recorded")

	return nil
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var records []Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the greatest key <= seek.
		for it.Seek([]byte(keyPrefix + "\xff")); it.Valid() && len(records) < limit; it.Next() {
			var r Record

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return fmt.Errorf("failed to decode run %s: %w", it.Item().Key(), err)
			}

			records = append(records, r)
		}

		return nil
	})

	return records, err
}

// Get returns the record for sessionID.
func (s *Store) Get(sessionID string) (Record, error) {
	var (
		rec   Record
		found bool
	)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		suffix := "/" + sessionID
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
				continue
			}

			found = true

			return it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
		}

		return nil
	})
	if err != nil {
		return Record{}, err
	}

	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	return rec, nil
}

// Prune deletes all but the newest keep records and returns how many were
// removed.
func (s *Store) Prune(keep int) (int, error) {
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.Reverse = true
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek([]byte(keyPrefix + "\xff")); it.Valid(); it.Next() {
			n++
			if n > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to prune runs: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return len(stale), nil
}

// Component reports whether the store can still be read.
func (s *Store) Component() health.Component {
	return health.ComponentFunc(func(context.Context) health.Check {
		if s.db.IsClosed() {
			return health.Check{Status: health.StatusDegraded, Message: "history store closed"}
		}

		err := s.db.View(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(keyPrefix))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}

			return err
		})
		if err != nil {
			return health.Check{Status: health.StatusDegraded, Message: "history read failed: " + err.Error()}
		}

		return health.Check{Status: health.StatusHealthy}
	})
}
