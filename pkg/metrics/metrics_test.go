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

package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitIsIdempotent(t *testing.T) {
	first := Init()
	second := Init()
	assert.Same(t, first, second)
}

func TestConnectionStateGaugeIsOneHot(t *testing.T) {
	Init()

	SetConnectionState("devices", "connected")
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionState.WithLabelValues("devices", "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionState.WithLabelValues("devices", "degraded")))

	SetConnectionState("devices", "degraded")
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionState.WithLabelValues("devices", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionState.WithLabelValues("devices", "degraded")))
}

func TestActiveTransportGaugeIsOneHot(t *testing.T) {
	Init()

	SetActiveTransport("devices", "poll")
	assert.Equal(t, 0.0, testutil.ToFloat64(transportActive.WithLabelValues("devices", "stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(transportActive.WithLabelValues("devices", "poll")))
}

func TestCountersAccumulate(t *testing.T) {
	Init()

	before := testutil.ToFloat64(streamReconnectsTotal.WithLabelValues("devices"))
	IncStreamReconnect("devices")
	IncStreamReconnect("devices")
	assert.Equal(t, before+2, testutil.ToFloat64(streamReconnectsTotal.WithLabelValues("devices")))

	require.NotPanics(t, func() {
		IncKeepaliveTimeout("devices")
		IncPollFetch("devices", "ok")
		SetQueueDepth("devices", 4)
		IncMutationOutcome("delivered")
		ObserveDrainDuration(0.05)
		SetConflictsOpen(1)
		ObserveHTTPRequest("GET", "/api/v1/status", "200", 0.001)
	})
}

func TestServerServesScrapeAndHealth(t *testing.T) {
	srv := NewServer(0, zap.NewNop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
