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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fleet_console"

// All collectors are nil until Init runs; the exported helpers no-op in that
// case so components can emit metrics unconditionally and tests can skip the
// registry entirely.
var (
	once     sync.Once
	registry *prometheus.Registry

	connectionState        *prometheus.GaugeVec
	streamReconnectsTotal  *prometheus.CounterVec
	keepaliveTimeoutsTotal *prometheus.CounterVec
	transportActive        *prometheus.GaugeVec
	pollFetchesTotal       *prometheus.CounterVec
	queueDepth             *prometheus.GaugeVec
	mutationsTotal         *prometheus.CounterVec
	drainDurationSeconds   prometheus.Histogram
	conflictsOpen          prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
)

func initMetrics() {
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per channel (1 for the active state)",
		},
		[]string{"channel", "state"},
	)

	streamReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Total stream reconnection attempts",
		},
		[]string{"channel"},
	)

	keepaliveTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_timeouts_total",
			Help:      "Keepalive probes that went unanswered within the timeout",
		},
		[]string{"channel"},
	)

	transportActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_active",
			Help:      "Active transport per channel (1 for the selected transport)",
		},
		[]string{"channel", "transport"},
	)

	pollFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fetches_total",
			Help:      "Poll fallback fetches by outcome",
		},
		[]string{"channel", "outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending mutations per channel",
		},
		[]string{"channel"},
	)

	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutation terminal outcomes",
		},
		[]string{"outcome"},
	)

	drainDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of a full queue drain pass in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0, 60.0},
		},
	)

	conflictsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conflicts_open",
			Help:      "Unresolved conflict records",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status API requests by method, endpoint, and status code",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
}

// Init initializes the metrics registry with all collectors
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()

		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		registry.MustRegister(
			connectionState,
			streamReconnectsTotal,
			keepaliveTimeoutsTotal,
			transportActive,
			pollFetchesTotal,
			queueDepth,
			mutationsTotal,
			drainDurationSeconds,
			conflictsOpen,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})

	return registry
}

// SetConnectionState updates the per-channel connection state gauge so exactly
// one state series carries the value 1
func SetConnectionState(channel, state string) {
	if connectionState == nil {
		return
	}
	for _, s := range []string{"idle", "connecting", "connected", "reconnecting", "degraded", "failed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		connectionState.WithLabelValues(channel, s).Set(v)
	}
}

// IncStreamReconnect counts one reconnection attempt
func IncStreamReconnect(channel string) {
	if streamReconnectsTotal != nil {
		streamReconnectsTotal.WithLabelValues(channel).Inc()
	}
}

// IncKeepaliveTimeout counts one unanswered keepalive probe
func IncKeepaliveTimeout(channel string) {
	if keepaliveTimeoutsTotal != nil {
		keepaliveTimeoutsTotal.WithLabelValues(channel).Inc()
	}
}

// SetActiveTransport updates the per-channel transport gauge
func SetActiveTransport(channel, transport string) {
	if transportActive == nil {
		return
	}
	for _, t := range []string{"stream", "poll"} {
		v := 0.0
		if t == transport {
			v = 1.0
		}
		transportActive.WithLabelValues(channel, t).Set(v)
	}
}

// IncPollFetch counts one poll fetch with its outcome ("ok", "error", "discarded")
func IncPollFetch(channel, outcome string) {
	if pollFetchesTotal != nil {
		pollFetchesTotal.WithLabelValues(channel, outcome).Inc()
	}
}

// SetQueueDepth reports the pending mutation count for a channel
func SetQueueDepth(channel string, depth int) {
	if queueDepth != nil {
		queueDepth.WithLabelValues(channel).Set(float64(depth))
	}
}

// IncMutationOutcome counts a mutation terminal outcome
// ("delivered", "conflicted", "failed", "rejected")
func IncMutationOutcome(outcome string) {
	if mutationsTotal != nil {
		mutationsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveDrainDuration records the duration of one drain pass
func ObserveDrainDuration(seconds float64) {
	if drainDurationSeconds != nil {
		drainDurationSeconds.Observe(seconds)
	}
}

// SetConflictsOpen reports the number of unresolved conflicts
func SetConflictsOpen(n int) {
	if conflictsOpen != nil {
		conflictsOpen.Set(float64(n))
	}
}

// ObserveHTTPRequest records one status API request
func ObserveHTTPRequest(method, endpoint, status string, seconds float64) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	}
	if httpRequestDuration != nil {
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
	}
}
