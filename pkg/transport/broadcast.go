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
	"sync"

	"github.com/wso2/api-platform/fleet-console/pkg/models"
)

// broadcaster fans unified events and status changes out to subscribers with
// non-blocking sends
type broadcaster struct {
	mu         sync.RWMutex
	nextID     int
	eventSubs  map[int]chan models.Event
	statusSubs map[int]chan Status
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		eventSubs:  make(map[int]chan models.Event),
		statusSubs: make(map[int]chan Status),
	}
}

func (b *broadcaster) subscribeEvents(buffer int) (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, buffer)
	b.eventSubs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.eventSubs[id]; ok {
			delete(b.eventSubs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *broadcaster) subscribeStatus(buffer int) (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Status, buffer)
	b.statusSubs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.statusSubs[id]; ok {
			delete(b.statusSubs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *broadcaster) publishEvent(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.eventSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *broadcaster) publishStatus(status Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.statusSubs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.eventSubs {
		delete(b.eventSubs, id)
		close(ch)
	}
	for id, ch := range b.statusSubs {
		delete(b.statusSubs, id)
		close(ch)
	}
}
