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

package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wso2/api-platform/fleet-console/pkg/connection"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"github.com/wso2/api-platform/fleet-console/pkg/queue"
	"github.com/wso2/api-platform/fleet-console/pkg/transport"
	"go.uber.org/zap"
)

// Orchestrator couples the transport status to the mutation queue. Drains run
// on a dedicated loop fed by kicks: the moment the stream comes back a kick
// replays whatever accumulated offline, and every enqueue or conflict
// resolution while connected kicks a pass so a healthy link delivers promptly.
// When the connection drops the drain context is cancelled (the in-flight item
// finishes, nothing new starts). It also consolidates everything the
// presentation layer needs into a single SyncStatus.
type Orchestrator struct {
	selector *transport.Selector
	queue    *queue.Queue
	logger   *zap.Logger

	mu          sync.Mutex
	drainCtx    context.Context // live while connected, nil otherwise
	drainCancel context.CancelFunc
	connected   bool
	started     bool

	drainKick chan struct{}
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates an orchestrator over one channel's selector and the shared queue
func New(selector *transport.Selector, q *queue.Queue, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		selector:  selector,
		queue:     q,
		logger:    logger.With(zap.String("channel", selector.Channel())),
		drainKick: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

// Start opens the transport and begins reacting to its status transitions
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.selector.Start(); err != nil {
		return err
	}

	o.wg.Add(2)
	go o.watch()
	go o.drainLoop()

	return nil
}

// Stop suspends draining and shuts the transport down. Safe to call more than
// once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopChan)

		o.mu.Lock()
		if o.drainCancel != nil {
			o.drainCancel()
			o.drainCtx = nil
			o.drainCancel = nil
		}
		o.mu.Unlock()

		o.wg.Wait()
		o.selector.Stop()
	})
}

// watch reacts to transport status transitions
func (o *Orchestrator) watch() {
	defer o.wg.Done()

	updates, cancel := o.selector.StatusUpdates(16)
	defer cancel()

	for {
		select {
		case status, ok := <-updates:
			if !ok {
				return
			}
			o.handleStatus(status)
		case <-o.stopChan:
			return
		}
	}
}

func (o *Orchestrator) handleStatus(status transport.Status) {
	nowConnected := status.State == connection.Connected

	o.mu.Lock()
	wasConnected := o.connected
	o.connected = nowConnected

	if nowConnected && !wasConnected {
		// Connection restored: open a drain context that lives for the whole
		// connected session, then replay whatever accumulated while offline
		ctx, cancel := context.WithCancel(context.Background())
		o.drainCtx = ctx
		o.drainCancel = cancel
		o.mu.Unlock()

		o.logger.Info("Connection restored, draining pending mutations")
		o.kickDrain()
		return
	}

	if !nowConnected && wasConnected && o.drainCancel != nil {
		// Connection lost: stop after the in-flight item, keep the rest queued
		o.drainCancel()
		o.drainCtx = nil
		o.drainCancel = nil
		o.logger.Info("Connection lost, suspending queue drain")
	}
	o.mu.Unlock()
}

// kickDrain requests a drain pass. The kick channel holds one pending request,
// so bursts of enqueues collapse into a single follow-up pass.
func (o *Orchestrator) kickDrain() {
	select {
	case o.drainKick <- struct{}{}:
	default:
	}
}

// drainLoop runs drain passes one at a time as kicks arrive
func (o *Orchestrator) drainLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.drainKick:
			o.mu.Lock()
			ctx := o.drainCtx
			o.mu.Unlock()
			if ctx == nil {
				// Disconnected between the kick and now; the reconnect kick
				// will pick the queue up again
				continue
			}
			if err := o.queue.Drain(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Queue drain incomplete", zap.Error(err))
			}
		case <-o.stopChan:
			return
		}
	}
}

// Status consolidates transport, connection, and queue state into the one
// object the presentation layer reads
func (o *Orchestrator) Status() models.SyncStatus {
	transportStatus := o.selector.Status()
	snapshot, err := o.queue.Snapshot()

	status := models.SyncStatus{
		Transport:     transportStatus.Transport.String(),
		Connection:    transportStatus.State.String(),
		PendingWrites: snapshot.PendingCount,
		HasConflicts:  snapshot.HasConflicts,
	}
	if err != nil {
		status.LastError = err.Error()
	} else if lastErr := o.selector.LastError(); lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status
}

// Pause propagates the hidden-console signal to the transport
func (o *Orchestrator) Pause() {
	o.selector.Pause()
}

// Resume propagates the visible-console signal to the transport
func (o *Orchestrator) Resume() {
	o.selector.Resume()
}

// Enqueue queues a mutation for delivery. While the connection is up the
// write is drained promptly; offline it waits for connectivity.
func (o *Orchestrator) Enqueue(ctx context.Context, channel, kind string, payload json.RawMessage, precondition string) (string, error) {
	id, err := o.queue.Enqueue(ctx, channel, kind, payload, precondition)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	connected := o.connected
	o.mu.Unlock()
	if connected {
		o.kickDrain()
	}
	return id, nil
}

// Conflicts lists the open conflict records
func (o *Orchestrator) Conflicts() ([]models.ConflictRecord, error) {
	return o.queue.Conflicts()
}

// ResolveConflict applies an operator decision to a conflicted mutation. A
// retried mutation is re-queued at the tail, so a drain pass is kicked to
// deliver it without waiting for the link to bounce.
func (o *Orchestrator) ResolveConflict(ctx context.Context, mutationID, action string) error {
	if err := o.queue.ResolveConflict(ctx, mutationID, action); err != nil {
		return err
	}

	o.mu.Lock()
	connected := o.connected
	o.mu.Unlock()
	if connected {
		o.kickDrain()
	}
	return nil
}
