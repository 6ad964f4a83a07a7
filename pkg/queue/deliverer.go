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

package queue

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/models"
)

// ErrRetryable marks a delivery failure that should be retried later without
// touching the mutation: network errors, timeouts, server 5xx.
var ErrRetryable = errors.New("retryable delivery error")

// ConflictError reports that the server rejected the mutation's precondition.
// ServerState carries the server's current state from the response body, so
// the operator can compare before resolving.
type ConflictError struct {
	ServerState json.RawMessage
}

func (e *ConflictError) Error() string {
	return "mutation rejected: server state changed since the write was issued"
}

// Deliverer sends one pending mutation to the control plane. Implementations
// must be idempotent on the server side keyed by the mutation ID, so a
// re-delivery after a crash is safe.
type Deliverer interface {
	Deliver(ctx context.Context, mutation *models.PendingMutation) error
}

// HTTPDelivererConfig holds the settings for the production deliverer
type HTTPDelivererConfig struct {
	BaseURL            string // e.g. https://host:port/api/console/v1
	Token              string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// HTTPDeliverer posts mutations to the control plane REST API
type HTTPDeliverer struct {
	cfg    HTTPDelivererConfig
	client *http.Client
}

// NewHTTPDeliverer creates the production deliverer
func NewHTTPDeliverer(cfg HTTPDelivererConfig) *HTTPDeliverer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &HTTPDeliverer{
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

// mutationRequest is the wire body for a mutation delivery
type mutationRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Deliver posts the mutation with its idempotency key and precondition.
// The mutation ID travels as Idempotency-Key so the server deduplicates
// re-deliveries; the precondition travels as If-Match so the server can detect
// concurrent edits.
func (d *HTTPDeliverer) Deliver(ctx context.Context, mutation *models.PendingMutation) error {
	body, err := json.Marshal(mutationRequest{
		Kind:    mutation.Kind,
		Payload: mutation.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize mutation %s: %w", mutation.ID, err)
	}

	url := fmt.Sprintf("%s/channels/%s/mutations", d.cfg.BaseURL, mutation.Channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", d.cfg.Token)
	req.Header.Set("Idempotency-Key", mutation.ID)
	if mutation.Precondition != "" {
		req.Header.Set("If-Match", mutation.Precondition)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Network failures and client timeouts are worth retrying
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		serverState, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if !json.Valid(serverState) {
			serverState = nil
		}
		return &ConflictError{ServerState: serverState}

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: server returned status %d", ErrRetryable, resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mutation rejected with status %d: %s", resp.StatusCode, string(body))
	}
}
