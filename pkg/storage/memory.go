/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package storage

import (
	"sort"
	"sync"
)

// MemoryStore implements the Store interface in memory. Used for tests and
// memory-only mode; provides no durability across restarts.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
	closed     bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string][]byte),
	}
}

// Put writes a value under namespace/key
func (s *MemoryStore) Put(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.namespaces[namespace] = ns
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

// Get retrieves a value by namespace/key
func (s *MemoryStore) Get(namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := ns[key]
	if !ok {
		return nil, ErrNotFound
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Delete removes a key; missing keys are not an error
func (s *MemoryStore) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if ns, ok := s.namespaces[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// List returns all entries in a namespace in ascending key order
func (s *MemoryStore) List(namespace string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}

	entries := make([]Entry, 0, len(ns))
	for k, v := range ns {
		cp := make([]byte, len(v))
		copy(cp, v)
		entries = append(entries, Entry{Key: k, Value: cp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
