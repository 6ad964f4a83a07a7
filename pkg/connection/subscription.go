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

package connection

import (
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/backoff"
)

const (
	// DefaultMaxFailures is the consecutive failure count after which the
	// manager gives up retrying and reports degraded
	DefaultMaxFailures = 5
	// DefaultConnectTimeout bounds a single dial attempt
	DefaultConnectTimeout = 10 * time.Second
	// DefaultKeepaliveInterval is the ping probe period
	DefaultKeepaliveInterval = 15 * time.Second
)

// Subscription is the immutable descriptor of one live channel subscription.
// A manager is constructed with exactly one Subscription; reconfiguration
// means building a new manager with a new Subscription.
type Subscription struct {
	// Channel is the logical channel identifier (e.g. one device's status feed)
	Channel string
	// KeepaliveInterval is the ping probe period; a pong missing for twice
	// this interval is treated as a connection failure
	KeepaliveInterval time.Duration
	// ConnectTimeout bounds a single dial attempt
	ConnectTimeout time.Duration
	// MaxFailures is the consecutive failure count before degraded
	MaxFailures int
	// Backoff is the retry delay policy
	Backoff *backoff.Policy
}

// NewSubscription creates a Subscription for a channel with default tuning
func NewSubscription(channel string) Subscription {
	return Subscription{
		Channel:           channel,
		KeepaliveInterval: DefaultKeepaliveInterval,
		ConnectTimeout:    DefaultConnectTimeout,
		MaxFailures:       DefaultMaxFailures,
		Backoff:           backoff.NewPolicy(),
	}
}
