package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore implements CodeStore with a mutex-guarded map. Records do not
// survive a restart; it backs local development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	codes map[string]*Code
}

var _ CodeStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*Code)}
}

func (s *MemoryStore) GetCode(_ context.Context, code string) (*Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.codes[code].Clone(), nil
}

func (s *MemoryStore) CreateCode(_ context.Context, code string, createdAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code]; ok {
		return false, nil
	}
	s.codes[code] = &Code{Code: code, Status: StatusUnused, CreatedAt: createdAt.UTC()}
	return true, nil
}

func (s *MemoryStore) ActivateCode(_ context.Context, code, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.Status != StatusUnused {
		return ErrConditionFailed
	}
	at = at.UTC()
	c.Status = StatusUsed
	c.DeviceID = deviceID
	c.ActivatedAt = &at
	log.Debug().Str("code", code).Msg("Code activated")
	return nil
}

func (s *MemoryStore) RebindDevice(_ context.Context, code, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.Status != StatusUsed {
		return ErrConditionFailed
	}
	c.DeviceID = deviceID
	return nil
}

func (s *MemoryStore) SetResult(_ context.Context, code string, result json.RawMessage, refs []ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.Status != StatusUsed || c.HasResult() {
		return ErrConditionFailed
	}
	c.ResultCache = append(json.RawMessage(nil), result...)
	c.ArtifactRefs = append([]ArtifactRef(nil), refs...)
	log.Debug().Str("code", code).Int("artifacts", len(refs)).Msg("Result cached")
	return nil
}

func (s *MemoryStore) ListActivatedBefore(_ context.Context, cutoff time.Time) ([]*Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Code
	for _, c := range s.codes {
		if c.ActivatedAt != nil && c.ActivatedAt.Before(cutoff) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}
