package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

type PebbleJournal struct {
	db *pebble.DB
}

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleJournal{db: db}, nil
}
func (s *PebbleJournal) Close() error { return s.db.Close() }

// Put persists a record, replacing any previous one for the same order
func (s *PebbleJournal) Put(r Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	if err := s.db.Set(recordKey(r.Chain, r.Type, r.Key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (s *PebbleJournal) Get(chain, typ, key string) (Record, bool, error) {
	data, closer, err := s.db.Get(recordKey(chain, typ, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to get record: %w", err)
	}
	defer closer.Close()

	r, err := decodeRecord(data)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *PebbleJournal) List(chain, typ string) ([]Record, error) {
	prefix := recordPrefix(chain, typ)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := decodeRecord(iter.Value())
		if err != nil {
			continue // Skip invalid entries
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *PebbleJournal) Delete(chain, typ, key string) error {
	if err := s.db.Delete(recordKey(chain, typ, key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

var _ Journal = (*PebbleJournal)(nil)
