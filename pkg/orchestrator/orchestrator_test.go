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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/fleet-console/pkg/backoff"
	"github.com/wso2/api-platform/fleet-console/pkg/connection"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"github.com/wso2/api-platform/fleet-console/pkg/queue"
	"github.com/wso2/api-platform/fleet-console/pkg/storage"
	"github.com/wso2/api-platform/fleet-console/pkg/transport"
	"go.uber.org/zap"
)

type stubConn struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *stubConn) ReadEvent() (models.Event, error) {
	<-c.closed
	return models.Event{}, errors.New("connection closed")
}

func (c *stubConn) Ping() error { return nil }

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type stubDialer struct {
	healthy atomic.Bool
}

func (d *stubDialer) Dial(ctx context.Context, channel string, onPong func()) (connection.StreamConn, error) {
	if !d.healthy.Load() {
		return nil, errors.New("connection refused")
	}
	return &stubConn{closed: make(chan struct{})}, nil
}

type stubFetcher struct{}

func (stubFetcher) FetchSnapshot(ctx context.Context, channel string) (models.ChannelSnapshot, error) {
	return models.ChannelSnapshot{Channel: channel, Version: "v1"}, nil
}

type countingDeliverer struct {
	delivered atomic.Int64
}

func (d *countingDeliverer) Deliver(ctx context.Context, m *models.PendingMutation) error {
	d.delivered.Add(1)
	return nil
}

func newTestOrchestrator(t *testing.T, dialer *stubDialer, deliverer queue.Deliverer) *Orchestrator {
	t.Helper()

	db := storage.NewMemoryStore()
	t.Cleanup(func() { db.Close() })

	store, err := queue.NewStore(db)
	require.NoError(t, err)
	q, err := queue.NewQueue(queue.DefaultConfig(), store, deliverer, zap.NewNop())
	require.NoError(t, err)

	policy := backoff.NewPolicyWithSeed(1)
	policy.Initial = time.Millisecond
	policy.Max = 2 * time.Millisecond

	mgr := connection.NewManager(connection.Subscription{
		Channel:           "devices",
		KeepaliveInterval: 50 * time.Millisecond,
		ConnectTimeout:    100 * time.Millisecond,
		MaxFailures:       2,
		Backoff:           policy,
	}, dialer, zap.NewNop())

	selector := transport.NewSelector(transport.Config{
		PollInterval:           20 * time.Millisecond,
		StreamRecoveryInterval: 20 * time.Millisecond,
	}, mgr, stubFetcher{}, transport.NewSnapshotCache(db), zap.NewNop())

	return New(selector, q, zap.NewNop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDrainTriggeredWhenConnectionRestored(t *testing.T) {
	dialer := &stubDialer{} // starts offline
	deliverer := &countingDeliverer{}
	orch := newTestOrchestrator(t, dialer, deliverer)

	// Writes issued while offline just accumulate
	for i := 0; i < 3; i++ {
		_, err := orch.Enqueue(context.Background(), "devices", "update", json.RawMessage(`{}`), "")
		require.NoError(t, err)
	}

	require.NoError(t, orch.Start())
	defer orch.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, deliverer.delivered.Load(), "nothing delivers while offline")

	// Connectivity returns: the queued writes replay without further input
	dialer.healthy.Store(true)
	waitFor(t, "queued mutations to drain", func() bool {
		return deliverer.delivered.Load() == 3
	})

	waitFor(t, "status to settle", func() bool {
		status := orch.Status()
		return status.Connection == "connected" && status.PendingWrites == 0
	})
	assert.Equal(t, "stream", orch.Status().Transport)
}

func TestEnqueueWhileConnectedDrainsPromptly(t *testing.T) {
	dialer := &stubDialer{}
	dialer.healthy.Store(true)
	deliverer := &countingDeliverer{}
	orch := newTestOrchestrator(t, dialer, deliverer)

	require.NoError(t, orch.Start())
	defer orch.Stop()

	waitFor(t, "connection", func() bool {
		return orch.Status().Connection == "connected"
	})

	// The link is up and stable; a new write must not wait for it to bounce
	_, err := orch.Enqueue(context.Background(), "devices", "update", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	waitFor(t, "prompt delivery on a healthy link", func() bool {
		return deliverer.delivered.Load() == 1
	})
	waitFor(t, "pending count to clear", func() bool {
		return orch.Status().PendingWrites == 0
	})

	// And the next write too, without any status transition in between
	_, err = orch.Enqueue(context.Background(), "devices", "update", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	waitFor(t, "second prompt delivery", func() bool {
		return deliverer.delivered.Load() == 2
	})
}

func TestStopIsIdempotent(t *testing.T) {
	dialer := &stubDialer{}
	dialer.healthy.Store(true)
	orch := newTestOrchestrator(t, dialer, &countingDeliverer{})

	require.NoError(t, orch.Start())

	assert.NotPanics(t, func() {
		orch.Stop()
		orch.Stop()
	})
}

func TestStatusConsolidatesQueueAndTransport(t *testing.T) {
	dialer := &stubDialer{}
	deliverer := &countingDeliverer{}
	orch := newTestOrchestrator(t, dialer, deliverer)

	_, err := orch.Enqueue(context.Background(), "devices", "update", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	status := orch.Status()
	assert.Equal(t, 1, status.PendingWrites)
	assert.False(t, status.HasConflicts)
	assert.Equal(t, "idle", status.Connection)
}

func TestVisibilityPassthrough(t *testing.T) {
	dialer := &stubDialer{}
	dialer.healthy.Store(true)
	orch := newTestOrchestrator(t, dialer, &countingDeliverer{})

	require.NoError(t, orch.Start())
	defer orch.Stop()

	waitFor(t, "connection", func() bool {
		return orch.Status().Connection == "connected"
	})

	// Pause and resume must not disturb an established connection
	orch.Pause()
	orch.Resume()

	waitFor(t, "still connected", func() bool {
		return orch.Status().Connection == "connected"
	})
}
