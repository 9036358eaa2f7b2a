package dht

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// Pair is one (key, value) record held under a keyword.
type Pair struct {
	Key   []byte
	Value []byte
}

// Storage is the keyword-indexed multi-map of records a node holds on
// behalf of the network. Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns every record under keyword, ordered by key, or nil.
	Get(keyword NodeID) []Pair
	// GetSpecific returns the value stored under (keyword, key).
	GetSpecific(keyword NodeID, key []byte) ([]byte, bool)
	// Set upserts (key, value) under keyword, last write wins.
	Set(keyword NodeID, key, value []byte) error
	// Delete removes (keyword, key).
	Delete(keyword NodeID, key []byte) error
	// Keywords lists every keyword currently holding records.
	Keywords() []NodeID
}

// Pruner is implemented by stores that expire records; the node runs a
// periodic sweep on stores that support it.
type Pruner interface {
	Prune() int
}

type memRecord struct {
	value    []byte
	storedAt time.Time
}

// MemoryStorage is the default in-process Storage with per-record TTL.
type MemoryStorage struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[NodeID]map[string]memRecord
}

// NewMemoryStorage creates a store whose records expire after ttl. A zero
// ttl keeps records forever.
func NewMemoryStorage(ttl time.Duration) *MemoryStorage {
	return &MemoryStorage{
		ttl:   ttl,
		items: make(map[NodeID]map[string]memRecord),
	}
}

func (s *MemoryStorage) Get(keyword NodeID) []Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.items[keyword]
	if len(recs) == 0 {
		return nil
	}
	now := time.Now()
	pairs := make([]Pair, 0, len(recs))
	for k, r := range recs {
		if s.expired(r, now) {
			continue
		}
		pairs = append(pairs, Pair{Key: []byte(k), Value: r.value})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0 })
	return pairs
}

func (s *MemoryStorage) GetSpecific(keyword NodeID, key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[keyword][string(key)]
	if !ok || s.expired(r, time.Now()) {
		return nil, false
	}
	return r.value, true
}

func (s *MemoryStorage) Set(keyword NodeID, key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.items[keyword]
	if recs == nil {
		recs = make(map[string]memRecord)
		s.items[keyword] = recs
	}
	recs[string(key)] = memRecord{value: v, storedAt: time.Now()}
	return nil
}

func (s *MemoryStorage) Delete(keyword NodeID, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.items[keyword]
	delete(recs, string(key))
	if len(recs) == 0 {
		delete(s.items, keyword)
	}
	return nil
}

func (s *MemoryStorage) Keywords() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keywords := make([]NodeID, 0, len(s.items))
	for kw := range s.items {
		keywords = append(keywords, kw)
	}
	return keywords
}

// Prune drops expired records and returns how many were removed.
func (s *MemoryStorage) Prune() int {
	if s.ttl <= 0 {
		return 0
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for kw, recs := range s.items {
		for k, r := range recs {
			if s.expired(r, now) {
				delete(recs, k)
				removed++
			}
		}
		if len(recs) == 0 {
			delete(s.items, kw)
		}
	}
	return removed
}

func (s *MemoryStorage) expired(r memRecord, now time.Time) bool {
	return s.ttl > 0 && now.Sub(r.storedAt) > s.ttl
}
