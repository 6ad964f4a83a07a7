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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/models"
)

// Fetcher retrieves the current snapshot of a channel over the request/response
// API. It is the poll fallback's data source; implementations may return
// partial snapshots (a subset of fields).
type Fetcher interface {
	FetchSnapshot(ctx context.Context, channel string) (models.ChannelSnapshot, error)
}

// HTTPFetcherConfig holds the settings for the production fetcher
type HTTPFetcherConfig struct {
	BaseURL            string // e.g. https://host:port/api/console/v1
	Token              string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// HTTPFetcher fetches channel snapshots from the control plane REST API
type HTTPFetcher struct {
	cfg    HTTPFetcherConfig
	client *http.Client
}

// NewHTTPFetcher creates the production snapshot fetcher
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &HTTPFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.InsecureSkipVerify,
				},
			},
		},
	}
}

// FetchSnapshot retrieves the channel's current snapshot
func (f *HTTPFetcher) FetchSnapshot(ctx context.Context, channel string) (models.ChannelSnapshot, error) {
	url := fmt.Sprintf("%s/channels/%s/snapshot", f.cfg.BaseURL, channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ChannelSnapshot{}, fmt.Errorf("failed to create snapshot request: %w", err)
	}
	req.Header.Set("api-key", f.cfg.Token)

	resp, err := f.client.Do(req)
	if err != nil {
		return models.ChannelSnapshot{}, fmt.Errorf("snapshot fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return models.ChannelSnapshot{}, fmt.Errorf("snapshot fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	var snapshot models.ChannelSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return models.ChannelSnapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	snapshot.Channel = channel

	return snapshot, nil
}
