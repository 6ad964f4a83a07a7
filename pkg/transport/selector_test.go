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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/fleet-console/pkg/backoff"
	"github.com/wso2/api-platform/fleet-console/pkg/connection"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"github.com/wso2/api-platform/fleet-console/pkg/storage"
	"go.uber.org/zap"
)

// stubConn is a stream connection that stays silent until closed
type stubConn struct {
	closeOnce sync.Once
	closed    chan struct{}
	pongs     func()
}

func newStubConn() *stubConn {
	return &stubConn{closed: make(chan struct{})}
}

func (c *stubConn) ReadEvent() (models.Event, error) {
	<-c.closed
	return models.Event{}, errors.New("connection closed")
}

func (c *stubConn) Ping() error {
	if c.pongs != nil {
		c.pongs()
	}
	return nil
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// stubDialer fails until healthy is flipped on
type stubDialer struct {
	healthy atomic.Bool
}

func (d *stubDialer) Dial(ctx context.Context, channel string, onPong func()) (connection.StreamConn, error) {
	if !d.healthy.Load() {
		return nil, errors.New("connection refused")
	}
	conn := newStubConn()
	conn.pongs = onPong
	return conn, nil
}

// countingFetcher returns a snapshot that changes on every call
type countingFetcher struct {
	calls atomic.Int64
}

func (f *countingFetcher) FetchSnapshot(ctx context.Context, channel string) (models.ChannelSnapshot, error) {
	n := f.calls.Add(1)
	return models.ChannelSnapshot{
		Channel: channel,
		Version: fmt.Sprintf("v%d", n),
		Fields: map[string]json.RawMessage{
			"count": json.RawMessage(fmt.Sprintf("%d", n)),
		},
	}, nil
}

func testManager(dialer connection.StreamDialer) *connection.Manager {
	policy := backoff.NewPolicyWithSeed(1)
	policy.Initial = time.Millisecond
	policy.Max = 2 * time.Millisecond

	sub := connection.Subscription{
		Channel:           "devices",
		KeepaliveInterval: 50 * time.Millisecond,
		ConnectTimeout:    100 * time.Millisecond,
		MaxFailures:       2,
		Backoff:           policy,
	}
	return connection.NewManager(sub, dialer, zap.NewNop())
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

func TestSnapshotCacheMergesPartialUpdates(t *testing.T) {
	db := storage.NewMemoryStore()
	defer db.Close()
	cache := NewSnapshotCache(db)

	full := models.ChannelSnapshot{
		Channel: "devices",
		Version: "v1",
		Fields: map[string]json.RawMessage{
			"name":   json.RawMessage(`"gw-1"`),
			"status": json.RawMessage(`"healthy"`),
		},
	}
	_, changed, err := cache.Merge(full)
	require.NoError(t, err)
	assert.True(t, changed)

	// A partial update touches one field and leaves the rest intact
	partial := models.ChannelSnapshot{
		Channel: "devices",
		Version: "v2",
		Fields: map[string]json.RawMessage{
			"status": json.RawMessage(`"degraded"`),
		},
	}
	merged, changed, err := cache.Merge(partial)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "v2", merged.Version)
	assert.JSONEq(t, `"gw-1"`, string(merged.Fields["name"]))
	assert.JSONEq(t, `"degraded"`, string(merged.Fields["status"]))

	// Replaying the same partial changes nothing
	_, changed, err = cache.Merge(partial)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSnapshotCachePersistsAcrossInstances(t *testing.T) {
	db := storage.NewMemoryStore()
	defer db.Close()

	cache := NewSnapshotCache(db)
	_, _, err := cache.Merge(models.ChannelSnapshot{
		Channel: "devices",
		Version: "v1",
		Fields:  map[string]json.RawMessage{"name": json.RawMessage(`"gw-1"`)},
	})
	require.NoError(t, err)

	// A fresh cache over the same store sees the snapshot
	loaded, err := NewSnapshotCache(db).Load("devices")
	require.NoError(t, err)
	assert.Equal(t, "v1", loaded.Version)
}

func TestSelectorFallsBackToPollWhenStreamDegraded(t *testing.T) {
	db := storage.NewMemoryStore()
	defer db.Close()

	dialer := &stubDialer{} // never healthy
	fetcher := &countingFetcher{}
	selector := NewSelector(Config{
		PollInterval:           10 * time.Millisecond,
		StreamRecoveryInterval: time.Hour,
	}, testManager(dialer), fetcher, NewSnapshotCache(db), zap.NewNop())

	events, cancelEvents := selector.Events(16)
	defer cancelEvents()

	require.NoError(t, selector.Start())
	defer selector.Stop()

	waitFor(t, "poll transport", func() bool {
		return selector.Status().Transport == KindPoll
	})

	// Data keeps flowing through the fallback
	select {
	case ev := <-events:
		assert.Equal(t, "snapshot.update", ev.Type)
		assert.Equal(t, "devices", ev.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived over the poll fallback")
	}

	// The unified state reads reconnecting, not degraded: the selector is
	// still working to restore the stream
	assert.Equal(t, connection.Reconnecting, selector.Status().State)
}

func TestSelectorHandsBackToStreamOnRecovery(t *testing.T) {
	db := storage.NewMemoryStore()
	defer db.Close()

	dialer := &stubDialer{}
	fetcher := &countingFetcher{}
	selector := NewSelector(Config{
		PollInterval:           10 * time.Millisecond,
		StreamRecoveryInterval: 20 * time.Millisecond,
	}, testManager(dialer), fetcher, NewSnapshotCache(db), zap.NewNop())

	require.NoError(t, selector.Start())
	defer selector.Stop()

	waitFor(t, "poll transport", func() bool {
		return selector.Status().Transport == KindPoll
	})

	// The stream comes back; the next recovery probe finds it
	dialer.healthy.Store(true)

	waitFor(t, "stream transport", func() bool {
		status := selector.Status()
		return status.Transport == KindStream && status.State == connection.Connected
	})

	// Polling stops once the stream carries the data again
	settled := fetcher.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, fetcher.calls.Load())
}

func TestSelectorPauseStopsPollingResumeRefreshesOnce(t *testing.T) {
	db := storage.NewMemoryStore()
	defer db.Close()

	dialer := &stubDialer{}
	fetcher := &countingFetcher{}
	// Long poll interval: any fetch observed after resume is the immediate
	// refresh, not a tick
	selector := NewSelector(Config{
		PollInterval:           10 * time.Second,
		StreamRecoveryInterval: time.Hour,
	}, testManager(dialer), fetcher, NewSnapshotCache(db), zap.NewNop())

	require.NoError(t, selector.Start())
	defer selector.Stop()

	waitFor(t, "poll transport", func() bool {
		return selector.Status().Transport == KindPoll
	})
	waitFor(t, "initial fetch", func() bool {
		return fetcher.calls.Load() >= 1
	})
	beforePause := fetcher.calls.Load()

	selector.Pause()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, beforePause, fetcher.calls.Load(), "paused selector must not fetch")

	selector.Resume()
	waitFor(t, "single refresh after resume", func() bool {
		return fetcher.calls.Load() == beforePause+1
	})

	// And exactly one: no burst of catch-up fetches
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, beforePause+1, fetcher.calls.Load())
}

func TestSelectorPinForcesTransport(t *testing.T) {
	db := storage.NewMemoryStore()
	defer db.Close()

	dialer := &stubDialer{}
	dialer.healthy.Store(true)
	fetcher := &countingFetcher{}
	selector := NewSelector(Config{
		PollInterval:           10 * time.Millisecond,
		StreamRecoveryInterval: time.Hour,
	}, testManager(dialer), fetcher, NewSnapshotCache(db), zap.NewNop())

	require.NoError(t, selector.Start())
	defer selector.Stop()

	waitFor(t, "stream transport", func() bool {
		return selector.Status().Transport == KindStream
	})

	selector.Pin(KindPoll)
	waitFor(t, "pinned poll fetches", func() bool {
		return fetcher.calls.Load() >= 1
	})
	assert.Equal(t, KindPoll, selector.Status().Transport)

	selector.Unpin()
	waitFor(t, "back on stream", func() bool {
		return selector.Status().Transport == KindStream
	})
}
