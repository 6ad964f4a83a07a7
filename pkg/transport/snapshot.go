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

package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"github.com/wso2/api-platform/fleet-console/pkg/storage"
)

const snapshotNamespace = "snapshots"

// SnapshotCache keeps the last-known full snapshot per channel, persisted
// through the durable store so a restart does not lose the operator's view.
// Partial poll responses are merged field-wise into the cached snapshot
// instead of replacing it.
type SnapshotCache struct {
	db storage.Store
	mu sync.Mutex
}

// NewSnapshotCache creates a snapshot cache backed by the given store
func NewSnapshotCache(db storage.Store) *SnapshotCache {
	return &SnapshotCache{db: db}
}

// Load returns the persisted snapshot for a channel, or a zero snapshot when
// none has been stored yet
func (c *SnapshotCache) Load(channel string) (models.ChannelSnapshot, error) {
	data, err := c.db.Get(snapshotNamespace, channel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ChannelSnapshot{Channel: channel}, nil
		}
		return models.ChannelSnapshot{}, fmt.Errorf("failed to load snapshot for channel %s: %w", channel, err)
	}

	var snapshot models.ChannelSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return models.ChannelSnapshot{}, fmt.Errorf("failed to parse stored snapshot for channel %s: %w", channel, err)
	}
	return snapshot, nil
}

// Merge folds an incoming (possibly partial) snapshot into the cached one and
// persists the result. It returns the merged snapshot and whether anything
// actually changed.
func (c *SnapshotCache) Merge(incoming models.ChannelSnapshot) (models.ChannelSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.Load(incoming.Channel)
	if err != nil {
		return models.ChannelSnapshot{}, false, err
	}

	changed := false
	if current.Fields == nil {
		current.Fields = make(map[string]json.RawMessage)
	}
	for key, value := range incoming.Fields {
		if existing, ok := current.Fields[key]; !ok || !bytes.Equal(existing, value) {
			current.Fields[key] = value
			changed = true
		}
	}
	if incoming.Version != "" && incoming.Version != current.Version {
		current.Version = incoming.Version
		changed = true
	}

	if !changed {
		return current, false, nil
	}

	current.UpdatedAt = time.Now()

	data, err := json.Marshal(current)
	if err != nil {
		return models.ChannelSnapshot{}, false, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	if err := c.db.Put(snapshotNamespace, incoming.Channel, data); err != nil {
		return models.ChannelSnapshot{}, false, fmt.Errorf("failed to persist snapshot for channel %s: %w", incoming.Channel, err)
	}

	return current, true, nil
}
