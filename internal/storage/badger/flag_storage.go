package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
)

// FlagStorage keeps cancellation flags as Badger entries with a native TTL.
// Used when no Redis is configured.
type FlagStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	ttl    time.Duration
}

var _ interfaces.CancelStore = (*FlagStorage)(nil)

// NewFlagStorage creates a Badger-backed cancel flag store
func NewFlagStorage(db *BadgerDB, logger arbor.ILogger, ttl time.Duration) *FlagStorage {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &FlagStorage{db: db, logger: logger, ttl: ttl}
}

// SetCancelled writes (or refreshes) the flag. Idempotent.
func (s *FlagStorage) SetCancelled(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	err := s.db.DB().Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cancelKey(jobID), []byte("1")).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Dur("ttl", s.ttl).Msg("Cancel flag set")
	return nil
}

// IsCancelled reports whether a live flag exists. Expired flags read as absent.
func (s *FlagStorage) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	found := false
	err := s.db.DB().View(func(txn *badger.Txn) error {
		_, err := txn.Get(cancelKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return found, nil
}

func cancelKey(jobID string) []byte {
	return []byte("cancel:" + jobID)
}
