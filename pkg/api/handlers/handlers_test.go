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

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/fleet-console/pkg/backoff"
	"github.com/wso2/api-platform/fleet-console/pkg/connection"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"github.com/wso2/api-platform/fleet-console/pkg/orchestrator"
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

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, channel string, onPong func()) (connection.StreamConn, error) {
	return &stubConn{closed: make(chan struct{})}, nil
}

type stubFetcher struct{}

func (stubFetcher) FetchSnapshot(ctx context.Context, channel string) (models.ChannelSnapshot, error) {
	return models.ChannelSnapshot{Channel: channel}, nil
}

// conflictDeliverer forces every delivery into a conflict
type conflictDeliverer struct{}

func (conflictDeliverer) Deliver(ctx context.Context, m *models.PendingMutation) error {
	return &queue.ConflictError{ServerState: json.RawMessage(`{"version":"v2"}`)}
}

func newTestRouter(t *testing.T, cap int, deliverer queue.Deliverer) (*gin.Engine, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := storage.NewMemoryStore()
	t.Cleanup(func() { db.Close() })

	store, err := queue.NewStore(db)
	require.NoError(t, err)
	cfg := queue.DefaultConfig()
	cfg.Cap = cap
	q, err := queue.NewQueue(cfg, store, deliverer, zap.NewNop())
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
	}, stubDialer{}, zap.NewNop())

	selector := transport.NewSelector(transport.DefaultConfig(), mgr, stubFetcher{}, transport.NewSnapshotCache(db), zap.NewNop())
	orch := orchestrator.New(selector, q, zap.NewNop())

	router := gin.New()
	NewServer(orch, zap.NewNop()).RegisterRoutes(router)
	return router, q
}

type countingDeliverer struct{}

func (countingDeliverer) Deliver(ctx context.Context, m *models.PendingMutation) error {
	return nil
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetHealth(t *testing.T) {
	router, _ := newTestRouter(t, 100, countingDeliverer{})

	w := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetStatus(t *testing.T) {
	router, _ := newTestRouter(t, 100, countingDeliverer{})

	w := doRequest(router, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status models.SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.Connection)
	assert.Equal(t, "stream", status.Transport)
	assert.Zero(t, status.PendingWrites)
}

func TestCreateMutation(t *testing.T) {
	router, _ := newTestRouter(t, 100, countingDeliverer{})

	w := doRequest(router, http.MethodPost, "/api/v1/mutations",
		`{"channel":"devices","kind":"update","payload":{"name":"gw-1"},"precondition":"v1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])

	// Visible in status as a pending write
	w = doRequest(router, http.MethodGet, "/api/v1/status", "")
	var status models.SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.PendingWrites)
}

func TestCreateMutationValidation(t *testing.T) {
	router, _ := newTestRouter(t, 100, countingDeliverer{})

	w := doRequest(router, http.MethodPost, "/api/v1/mutations", `{"channel":"devices"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/mutations", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateMutationQueueFull(t *testing.T) {
	router, _ := newTestRouter(t, 1, countingDeliverer{})

	body := `{"channel":"devices","kind":"update","payload":{}}`
	w := doRequest(router, http.MethodPost, "/api/v1/mutations", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/mutations", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestConflictLifecycleOverAPI(t *testing.T) {
	router, q := newTestRouter(t, 100, conflictDeliverer{})

	w := doRequest(router, http.MethodPost, "/api/v1/mutations",
		`{"channel":"devices","kind":"update","payload":{},"precondition":"v1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// Force the conflict by draining directly
	require.NoError(t, q.Drain(context.Background()))

	w = doRequest(router, http.MethodGet, "/api/v1/conflicts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Conflicts []models.ConflictRecord `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Conflicts, 1)
	assert.Equal(t, created["id"], listing.Conflicts[0].MutationID)

	w = doRequest(router, http.MethodPost, "/api/v1/conflicts/"+created["id"]+"/resolve",
		`{"action":"discard"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/conflicts", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Empty(t, listing.Conflicts)
}

func TestResolveConflictErrors(t *testing.T) {
	router, _ := newTestRouter(t, 100, countingDeliverer{})

	w := doRequest(router, http.MethodPost, "/api/v1/conflicts/unknown/resolve", `{"action":"discard"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/conflicts/unknown/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetVisibility(t *testing.T) {
	router, _ := newTestRouter(t, 100, countingDeliverer{})

	w := doRequest(router, http.MethodPost, "/api/v1/visibility", `{"visible":false}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/visibility", `{"visible":true}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/visibility", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
