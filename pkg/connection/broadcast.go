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

package connection

import (
	"sync"

	"github.com/wso2/api-platform/fleet-console/pkg/models"
)

// broadcaster fans events and state transitions out to subscribers. Sends are
// non-blocking: a subscriber that stops draining its channel loses messages
// instead of stalling the read loop.
type broadcaster struct {
	mu        sync.RWMutex
	nextID    int
	eventSubs map[int]chan models.Event
	stateSubs map[int]chan State
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		eventSubs: make(map[int]chan models.Event),
		stateSubs: make(map[int]chan State),
	}
}

// subscribeEvents registers a new event subscriber. The returned cancel
// function removes the subscription and closes the channel.
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

// subscribeStates registers a new state transition subscriber
func (b *broadcaster) subscribeStates(buffer int) (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan State, buffer)
	b.stateSubs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.stateSubs[id]; ok {
			delete(b.stateSubs, id)
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

func (b *broadcaster) publishState(state State) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.stateSubs {
		select {
		case ch <- state:
		default:
		}
	}
}

// closeAll closes every subscriber channel. Called once when the manager
// shuts down for good.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.eventSubs {
		delete(b.eventSubs, id)
		close(ch)
	}
	for id, ch := range b.stateSubs {
		delete(b.stateSubs, id)
		close(ch)
	}
}
