package journal

import (
	"encoding/json"
	"fmt"

	"binance-threshold-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	tradePrefix = []byte("trade:")
	seqKey      = []byte("trade_seq")
)

// badgerJournal is the BadgerDB implementation of the Journal.
type badgerJournal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerJournal opens (or creates) a journal database in the given
// directory. Badger's own logging is disabled to keep the app's logs clean;
// errors still surface from the DB operations themselves.
func NewBadgerJournal(dir string) (Journal, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal sequence: %w", err)
	}

	return &badgerJournal{db: db, seq: seq}, nil
}

// Append marshals the event to JSON and stores it under a zero-padded
// sequence key, so byte order equals append order.
func (j *badgerJournal) Append(ev models.TradeEvent) error {
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("journal sequence: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trade event: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%016d", tradePrefix, n))

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Events iterates the trade prefix in key order and decodes every event.
// An empty journal returns an empty slice, not an error.
func (j *badgerJournal) Events() ([]models.TradeEvent, error) {
	var out []models.TradeEvent

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(tradePrefix); it.ValidForPrefix(tradePrefix); it.Next() {
			var ev models.TradeEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the sequence lease and closes the database.
func (j *badgerJournal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return err
	}
	return j.db.Close()
}
