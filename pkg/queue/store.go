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

package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"github.com/wso2/api-platform/fleet-console/pkg/storage"
)

const (
	mutationNamespace = "mutations"
	conflictNamespace = "conflicts"
)

// Store is the typed persistence layer for the mutation queue. Mutations are
// keyed "<channel>/<zero-padded sequence>", so the backing store's sorted
// listing yields strict per-channel FIFO order. Every write hits the durable
// store before the caller observes the state change.
type Store struct {
	db storage.Store

	mu   sync.Mutex
	seq  map[string]uint64 // next sequence per channel
	keys map[string]string // mutation ID -> storage key
}

// NewStore opens the typed queue store, rebuilding the in-memory sequence
// counters and ID index from whatever the durable store already holds
func NewStore(db storage.Store) (*Store, error) {
	s := &Store{
		db:   db,
		seq:  make(map[string]uint64),
		keys: make(map[string]string),
	}

	entries, err := db.List(mutationNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted mutations: %w", err)
	}
	for _, entry := range entries {
		var m models.PendingMutation
		if err := json.Unmarshal(entry.Value, &m); err != nil {
			return nil, fmt.Errorf("corrupt mutation record at key %s: %w", entry.Key, err)
		}
		s.keys[m.ID] = entry.Key

		channel, seq, err := splitMutationKey(entry.Key)
		if err != nil {
			return nil, err
		}
		if seq >= s.seq[channel] {
			s.seq[channel] = seq + 1
		}
	}

	return s, nil
}

func mutationKey(channel string, seq uint64) string {
	return fmt.Sprintf("%s/%016d", channel, seq)
}

func splitMutationKey(key string) (string, uint64, error) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed mutation key: %s", key)
	}
	var seq uint64
	if _, err := fmt.Sscanf(key[idx+1:], "%d", &seq); err != nil {
		return "", 0, fmt.Errorf("malformed mutation key %s: %w", key, err)
	}
	return key[:idx], seq, nil
}

// Append persists a new mutation at the tail of its channel's queue
func (s *Store) Append(m *models.PendingMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq[m.Channel]
	key := mutationKey(m.Channel, seq)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize mutation %s: %w", m.ID, err)
	}
	if err := s.db.Put(mutationNamespace, key, data); err != nil {
		return fmt.Errorf("failed to persist mutation %s: %w", m.ID, err)
	}

	s.seq[m.Channel] = seq + 1
	s.keys[m.ID] = key
	return nil
}

// Update rewrites an existing mutation record in place
func (s *Store) Update(m *models.PendingMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[m.ID]
	if !ok {
		return fmt.Errorf("mutation %s: %w", m.ID, storage.ErrNotFound)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize mutation %s: %w", m.ID, err)
	}
	if err := s.db.Put(mutationNamespace, key, data); err != nil {
		return fmt.Errorf("failed to persist mutation %s: %w", m.ID, err)
	}
	return nil
}

// Remove deletes a mutation record
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("mutation %s: %w", id, storage.ErrNotFound)
	}
	if err := s.db.Delete(mutationNamespace, key); err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	delete(s.keys, id)
	return nil
}

// Get returns one mutation by ID
func (s *Store) Get(id string) (*models.PendingMutation, error) {
	s.mu.Lock()
	key, ok := s.keys[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mutation %s: %w", id, storage.ErrNotFound)
	}

	data, err := s.db.Get(mutationNamespace, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation %s: %w", id, err)
	}
	var m models.PendingMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt mutation record %s: %w", id, err)
	}
	return &m, nil
}

// All returns every persisted mutation in storage order: grouped by channel,
// FIFO within each channel
func (s *Store) All() ([]models.PendingMutation, error) {
	entries, err := s.db.List(mutationNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}

	mutations := make([]models.PendingMutation, 0, len(entries))
	for _, entry := range entries {
		var m models.PendingMutation
		if err := json.Unmarshal(entry.Value, &m); err != nil {
			return nil, fmt.Errorf("corrupt mutation record at key %s: %w", entry.Key, err)
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

// ByChannel returns a channel's mutations in FIFO order
func (s *Store) ByChannel(channel string) ([]models.PendingMutation, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}

	out := make([]models.PendingMutation, 0)
	for _, m := range all {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out, nil
}

// Channels returns the set of channels that currently hold mutations
func (s *Store) Channels() ([]string, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	channels := make([]string, 0)
	for _, m := range all {
		if !seen[m.Channel] {
			seen[m.Channel] = true
			channels = append(channels, m.Channel)
		}
	}
	return channels, nil
}

// PutConflict persists a conflict record keyed by mutation ID
func (s *Store) PutConflict(rec *models.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize conflict for mutation %s: %w", rec.MutationID, err)
	}
	if err := s.db.Put(conflictNamespace, rec.MutationID, data); err != nil {
		return fmt.Errorf("failed to persist conflict for mutation %s: %w", rec.MutationID, err)
	}
	return nil
}

// RemoveConflict deletes a conflict record
func (s *Store) RemoveConflict(mutationID string) error {
	if err := s.db.Delete(conflictNamespace, mutationID); err != nil {
		return fmt.Errorf("failed to delete conflict for mutation %s: %w", mutationID, err)
	}
	return nil
}

// Conflicts returns all open conflict records
func (s *Store) Conflicts() ([]models.ConflictRecord, error) {
	entries, err := s.db.List(conflictNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	records := make([]models.ConflictRecord, 0, len(entries))
	for _, entry := range entries {
		var rec models.ConflictRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("corrupt conflict record %s: %w", entry.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
