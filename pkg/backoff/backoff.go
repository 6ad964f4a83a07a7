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

// Package backoff provides the retry delay policy shared by all reconnecting
// components.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// DefaultInitial is the delay before the first retry
	DefaultInitial = 1 * time.Second
	// DefaultMax caps the delay regardless of attempt count
	DefaultMax = 30 * time.Second
	// DefaultMultiplier is the exponential growth factor
	DefaultMultiplier = 2.0
	// DefaultJitter is the fraction of the base delay randomized in both directions
	DefaultJitter = 0.20
)

// Policy maps an attempt count to the delay before the next retry.
// Exponential growth with a cap and multiplicative jitter to avoid
// thundering-herd reconnects across console instances. Stateless.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	rng *rand.Rand
}

// NewPolicy creates a policy with the default parameters
func NewPolicy() *Policy {
	return NewPolicyWithSeed(time.Now().UnixNano())
}

// NewPolicyWithSeed creates a policy with a fixed random seed so tests can
// assert exact delays.
func NewPolicyWithSeed(seed int64) *Policy {
	return &Policy{
		Initial:    DefaultInitial,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// NextDelay returns the delay to wait before retry number attempt (0-based).
// The un-jittered delay is Initial * Multiplier^attempt, capped at Max. The
// returned value is within [base*(1-Jitter), base*(1+Jitter)].
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		base *= p.Multiplier
		if base >= float64(p.Max) {
			base = float64(p.Max)
			break
		}
	}

	delay := base
	if p.Jitter > 0 {
		// A Policy built as a struct literal has no seeded source; fall back
		// to the shared one so jitter still applies
		f := rand.Float64()
		if p.rng != nil {
			f = p.rng.Float64()
		}
		delay = base * (1 + p.Jitter*(2*f-1))
	}

	if delay < 0 {
		delay = float64(p.Initial)
	}
	return time.Duration(delay)
}
