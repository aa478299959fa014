package storage

import (
	"sort"
	"sync"
)

// MemJournal keeps records in memory. Used when no journal path is configured and in tests.
type MemJournal struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

func NewMemJournal() *MemJournal {
	return &MemJournal{records: make(map[string]Record)}
}

func (s *MemJournal) Put(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[string(recordKey(r.Chain, r.Type, r.Key))] = r
	return nil
}

func (s *MemJournal) Get(chain, typ, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.records[string(recordKey(chain, typ, key))]
	return r, ok, nil
}

func (s *MemJournal) List(chain, typ string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	prefix := string(recordPrefix(chain, typ))
	keys := make([]string, 0)
	for k := range s.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k])
	}
	return out, nil
}

func (s *MemJournal) Delete(chain, typ, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records, string(recordKey(chain, typ, key)))
	return nil
}

func (s *MemJournal) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ Journal = (*MemJournal)(nil)
