// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps everything in a map. MaxBytes, when positive,
// bounds the summed length of keys and values.
type MemoryStore struct {
	MaxBytes int

	mu     sync.Mutex
	values map[string][]byte
	size   int
}

// NewMemoryStore returns an empty store with no quota.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(value), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string][]byte)
	}

	newSize := s.size + len(key) + len(value)
	if old, ok := s.values[key]; ok {
		newSize -= len(key) + len(old)
	}
	if s.MaxBytes > 0 && newSize > s.MaxBytes {
		return ErrQuotaExceeded
	}
	s.values[key] = slices.Clone(value)
	s.size = newSize
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			s.deleteLocked(key)
		}
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Size returns the bytes currently counted against MaxBytes.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *MemoryStore) deleteLocked(key string) {
	if old, ok := s.values[key]; ok {
		s.size -= len(key) + len(old)
		delete(s.values, key)
	}
}
