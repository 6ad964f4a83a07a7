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

// State represents the connection state
type State int

const (
	// Idle state - no connection and none requested
	Idle State = iota
	// Connecting state - attempting to establish the first connection
	Connecting
	// Connected state - active connection
	Connected
	// Reconnecting state - attempting to reconnect after a transient failure
	Reconnecting
	// Degraded state - consecutive failures exceeded the threshold, auto-retry
	// stopped until an explicit Reset
	Degraded
	// Failed state - server rejected the connection (auth), no auto-retry
	Failed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
