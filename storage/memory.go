package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps documents in a map. It copies on the way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return bytes.Clone(data), nil
}

func (s *MemoryStore) Save(_ context.Context, id string, data []byte) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[id] = bytes.Clone(data)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.docs[id]
	s.mu.RUnlock()
	return ok, nil
}
