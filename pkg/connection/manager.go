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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/metrics"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"go.uber.org/zap"
)

// ErrAlreadyOpen is returned by Open when the manager is already running
var ErrAlreadyOpen = errors.New("connection manager already open")

// Manager owns the live stream connection for a single channel. It dials
// through the configured StreamDialer, retries transient failures with
// exponential backoff, probes liveness with keepalive pings, and fans received
// events and state transitions out to subscribers.
//
// After MaxFailures consecutive dial failures the manager parks in Degraded
// and stops retrying; an auth rejection parks it in Failed. Both are left by
// an explicit Reset.
type Manager struct {
	sub    Subscription
	dialer StreamDialer
	logger *zap.Logger

	mu       sync.RWMutex
	state    State
	lastErr  error
	conn     StreamConn
	running  bool
	stopChan chan struct{}

	lastPong int64 // unix nanos of last keepalive reply (atomic)
	kaPaused int32 // 1 while keepalive probing is suspended (atomic)

	closed bool
	wg     sync.WaitGroup
	bcast  *broadcaster
}

// NewManager creates a manager for one channel subscription. The manager is
// Idle until Open is called.
func NewManager(sub Subscription, dialer StreamDialer, logger *zap.Logger) *Manager {
	return &Manager{
		sub:    sub,
		dialer: dialer,
		logger: logger.With(zap.String("channel", sub.Channel)),
		state:  Idle,
		bcast:  newBroadcaster(),
	}
}

// Channel returns the channel this manager serves
func (m *Manager) Channel() string {
	return m.sub.Channel
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error behind the most recent failure, if any
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Events returns a channel carrying events received on the stream, plus a
// cancel function that unsubscribes and closes it. Slow subscribers lose
// events rather than blocking the read loop.
func (m *Manager) Events(buffer int) (<-chan models.Event, func()) {
	return m.bcast.subscribeEvents(buffer)
}

// States returns a channel carrying state transitions, plus a cancel function
func (m *Manager) States(buffer int) (<-chan State, func()) {
	return m.bcast.subscribeStates(buffer)
}

// Open starts the connection loop. It returns immediately; connection progress
// is reported through the state subscription.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection manager closed")
	}
	if m.running {
		return ErrAlreadyOpen
	}

	m.running = true
	m.stopChan = make(chan struct{})

	m.logger.Info("Opening channel subscription")

	m.wg.Add(1)
	go m.connectionLoop(m.stopChan)

	return nil
}

// Reset clears the failure history and restarts the connection loop. It is the
// only way out of Degraded and Failed.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("connection manager closed")
	}
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("cannot reset while %s", m.state)
	}

	m.lastErr = nil
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.logger.Info("Resetting channel subscription")

	m.wg.Add(1)
	go m.connectionLoop(stop)

	return nil
}

// Close stops the connection loop and releases all subscribers. The manager
// cannot be reopened afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.running {
		close(m.stopChan)
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.setState(Idle, nil)
	m.bcast.closeAll()

	m.logger.Info("Channel subscription closed")
}

// connectionLoop manages the connection lifecycle with reconnection. It exits
// when the manager is stopped or parks in Degraded or Failed.
func (m *Manager) connectionLoop(stop chan struct{}) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	failures := 0
	attempted := false

	for {
		select {
		case <-stop:
			return
		default:
		}

		if !attempted {
			m.setState(Connecting, nil)
		} else {
			m.setState(Reconnecting, nil)
			metrics.IncStreamReconnect(m.sub.Channel)
		}
		attempted = true

		conn, err := m.dial(stop)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				m.logger.Error("Connection rejected, giving up until re-authentication",
					zap.Error(err),
				)
				m.setState(Failed, err)
				return
			}

			failures++
			delay := m.sub.Backoff.NextDelay(failures - 1)
			m.logger.Warn("Connection failed, will retry",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_delay", delay),
			)
			m.setLastError(err)

			if failures >= m.sub.MaxFailures {
				m.logger.Error("Too many consecutive connection failures, giving up",
					zap.Int("failures", failures),
				)
				m.setState(Degraded, err)
				return
			}

			// The retry is scheduled, so the observable state is reconnecting
			// for the whole backoff wait, not just once the next dial starts
			m.setState(Reconnecting, nil)

			select {
			case <-time.After(delay):
				continue
			case <-stop:
				return
			}
		}

		// Connection established
		failures = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		atomic.StoreInt64(&m.lastPong, time.Now().UnixNano())
		m.setState(Connected, nil)
		m.logger.Info("Channel stream established")

		m.serve(conn, stop)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		select {
		case <-stop:
			return
		default:
		}
	}
}

// dial performs a single bounded connection attempt
func (m *Manager) dial(stop chan struct{}) (StreamConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.sub.ConnectTimeout)
	defer cancel()

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return m.dialer.Dial(ctx, m.sub.Channel, func() {
		atomic.StoreInt64(&m.lastPong, time.Now().UnixNano())
	})
}

// serve pumps events off the connection until it breaks. A keepalive goroutine
// pings on every interval and force-closes the connection when the server goes
// quiet for twice the interval, which unblocks the read loop with an error.
func (m *Manager) serve(conn StreamConn, stop chan struct{}) {
	done := make(chan struct{})
	defer close(done)

	m.wg.Add(1)
	go m.keepalive(conn, done, stop)

	for {
		event, err := conn.ReadEvent()
		if err != nil {
			select {
			case <-stop:
			default:
				m.logger.Warn("Channel stream broken", zap.Error(err))
				m.setLastError(err)
			}
			_ = conn.Close()
			return
		}
		m.bcast.publishEvent(event)
	}
}

// SetKeepalivePaused suspends or resumes keepalive probing on the live
// connection. While paused the connection is neither pinged nor declared stale,
// so a backgrounded console does not burn timers. Resuming restamps the pong
// clock to avoid an instant timeout.
func (m *Manager) SetKeepalivePaused(paused bool) {
	if paused {
		atomic.StoreInt32(&m.kaPaused, 1)
		return
	}
	atomic.StoreInt64(&m.lastPong, time.Now().UnixNano())
	atomic.StoreInt32(&m.kaPaused, 0)
}

// keepalive probes connection liveness with pings
func (m *Manager) keepalive(conn StreamConn, done, stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sub.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt32(&m.kaPaused) == 1 {
				continue
			}
			sinceLastPong := time.Since(time.Unix(0, atomic.LoadInt64(&m.lastPong)))
			if sinceLastPong > 2*m.sub.KeepaliveInterval {
				m.logger.Warn("Keepalive timeout, closing stale connection",
					zap.Duration("since_last_pong", sinceLastPong),
				)
				metrics.IncKeepaliveTimeout(m.sub.Channel)
				_ = conn.Close()
				return
			}
			if err := conn.Ping(); err != nil {
				m.logger.Warn("Keepalive probe failed", zap.Error(err))
				_ = conn.Close()
				return
			}

		case <-done:
			return
		case <-stop:
			return
		}
	}
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Debug("Connection state changed", zap.String("state", state.String()))
	metrics.SetConnectionState(m.sub.Channel, state.String())
	m.bcast.publishState(state)
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
