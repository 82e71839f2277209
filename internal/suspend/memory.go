package suspend

import (
	"sync"
)

// MemoryStore is an in-memory Store used in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ConversationID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(conversationID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(&rec)
	return &out, nil
}

func (s *MemoryStore) ListByStatus(status Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.recs {
		if rec.Status == status {
			c := cloneRecord(&rec)
			out = append(out, &c)
		}
	}
	return out, nil
}

// cloneRecord copies the record including its context bag, so callers
// cannot mutate stored state through shared maps.
func cloneRecord(rec *Record) Record {
	out := *rec
	if rec.Context != nil {
		out.Context = make(map[string]any, len(rec.Context))
		for k, v := range rec.Context {
			out.Context[k] = v
		}
	}
	return out
}
