package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ProcessedLog records processed message ids for a limited time
type ProcessedLog struct {
	db     *DB
	prefix string
	ttl    time.Duration
}

// NewProcessedLog returns the processed log named name. Ids expire after ttl;
// a zero ttl keeps them forever.
func NewProcessedLog(db *DB, name string, ttl time.Duration) *ProcessedLog {
	return &ProcessedLog{db: db, prefix: "processed:" + name + ":", ttl: ttl}
}

func (l *ProcessedLog) key(messageID string) []byte {
	return []byte(l.prefix + messageID)
}

// IsDuplicate reports whether messageID was marked and has not expired
func (l *ProcessedLog) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := l.db.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(l.key(messageID))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// MarkProcessed records messageID
func (l *ProcessedLog) MarkProcessed(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if messageID == "" {
		return ErrEmptyID
	}
	return l.db.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(l.key(messageID), []byte(time.Now().UTC().Format(time.RFC3339)))
		if l.ttl > 0 {
			entry = entry.WithTTL(l.ttl)
		}
		return txn.SetEntry(entry)
	})
}
