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
	"sync"
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/metrics"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"go.uber.org/zap"
)

// poller periodically fetches the channel snapshot while the stream is down.
// Every successful fetch is merged into the snapshot cache; only fetches that
// actually change the snapshot surface as events.
type poller struct {
	channel  string
	fetcher  Fetcher
	cache    *SnapshotCache
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	onEvent  func(models.Event)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newPoller(channel string, fetcher Fetcher, cache *SnapshotCache, interval time.Duration, logger *zap.Logger, onEvent func(models.Event)) *poller {
	return &poller{
		channel:  channel,
		fetcher:  fetcher,
		cache:    cache,
		interval: interval,
		timeout:  interval,
		logger:   logger,
		onEvent:  onEvent,
		stopChan: make(chan struct{}),
	}
}

// start begins polling with one immediate fetch followed by interval ticks
func (p *poller) start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *poller) stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *poller) loop() {
	defer p.wg.Done()

	p.fetchOnce()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.fetchOnce()
		case <-p.stopChan:
			return
		}
	}
}

// fetchOnce performs a single bounded fetch-and-merge pass
func (p *poller) fetchOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	incoming, err := p.fetcher.FetchSnapshot(ctx, p.channel)
	if err != nil {
		p.logger.Warn("Poll fetch failed", zap.Error(err))
		metrics.IncPollFetch(p.channel, "error")
		return
	}

	merged, changed, err := p.cache.Merge(incoming)
	if err != nil {
		p.logger.Error("Failed to merge polled snapshot", zap.Error(err))
		metrics.IncPollFetch(p.channel, "error")
		return
	}

	if !changed {
		metrics.IncPollFetch(p.channel, "unchanged")
		return
	}
	metrics.IncPollFetch(p.channel, "ok")

	payload, err := json.Marshal(merged)
	if err != nil {
		p.logger.Error("Failed to serialize merged snapshot", zap.Error(err))
		return
	}

	p.onEvent(models.Event{
		Channel:    p.channel,
		Type:       "snapshot.update",
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}
