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

package models

import (
	"encoding/json"
	"time"
)

// MutationStatus represents the lifecycle state of a pending mutation
type MutationStatus string

const (
	// MutationQueued - waiting for delivery
	MutationQueued MutationStatus = "queued"
	// MutationSending - delivery attempt in flight
	MutationSending MutationStatus = "sending"
	// MutationFailed - permanently failed (e.g. expired), requires operator attention
	MutationFailed MutationStatus = "failed"
	// MutationConflicted - server rejected the precondition, requires operator decision
	MutationConflicted MutationStatus = "conflicted"
	// MutationDelivered - accepted by the server
	MutationDelivered MutationStatus = "delivered"
)

// PendingMutation is an operator-issued write waiting for delivery to the
// control plane. The ID is client-generated, stable across retries, and doubles
// as the server-side idempotency key.
type PendingMutation struct {
	ID           string          `json:"id"`
	Channel      string          `json:"channel"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Precondition string          `json:"precondition,omitempty"` // expected server version/tag
	Status       MutationStatus  `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	AttemptCount int             `json:"attempt_count"`
}

// ConflictRecord captures a precondition mismatch detected while replaying a
// queued mutation. Never auto-resolved; surfaced to the operator.
type ConflictRecord struct {
	MutationID           string          `json:"mutation_id"`
	ExpectedPrecondition string          `json:"expected_precondition"`
	ObservedServerState  json.RawMessage `json:"observed_server_state,omitempty"`
	DetectedAt           time.Time       `json:"detected_at"`
}

// QueueSnapshot is a read-only projection of the mutation queue state,
// recomputed on every queue change.
type QueueSnapshot struct {
	PendingCount    int       `json:"pending_count"`
	OldestPendingAt time.Time `json:"oldest_pending_at,omitzero"`
	HasConflicts    bool      `json:"has_conflicts"`
}

// Event is a typed payload received over a channel's live transport
type Event struct {
	Channel    string          `json:"channel"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ChannelSnapshot is the last-known full state of a channel, kept so partial
// poll responses can be merged instead of overwriting the operator's view.
type ChannelSnapshot struct {
	Channel   string                     `json:"channel"`
	Version   string                     `json:"version"`
	Fields    map[string]json.RawMessage `json:"fields"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// SyncStatus is the consolidated status object exposed to the presentation
// layer. It is the only boundary the UI depends on.
type SyncStatus struct {
	Transport     string `json:"transport"`  // "stream" or "poll"
	Connection    string `json:"connection"` // connection.State string
	PendingWrites int    `json:"pending_writes"`
	HasConflicts  bool   `json:"has_conflicts"`
	LastError     string `json:"last_error,omitempty"`
}
