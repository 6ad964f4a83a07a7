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
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/fleet-console/pkg/connection"
	"github.com/wso2/api-platform/fleet-console/pkg/metrics"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"go.uber.org/zap"
)

// Kind identifies the active transport
type Kind int

const (
	// KindStream - live push over the stream connection
	KindStream Kind = iota
	// KindPoll - periodic snapshot fetches over the request/response API
	KindPoll
)

// String returns the string representation of the transport kind
func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindPoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Status is the unified transport status: which transport carries the data and
// the effective connection state. While the poll fallback is active the state
// reads reconnecting, because the selector keeps working to restore the
// stream; only an auth rejection surfaces as failed.
type Status struct {
	Transport Kind
	State     connection.State
}

// Config holds the selector tuning knobs
type Config struct {
	// PollInterval is the fallback fetch period
	PollInterval time.Duration
	// StreamRecoveryInterval is how often a degraded stream is reset and
	// given another chance while the poller carries the data
	StreamRecoveryInterval time.Duration
}

// DefaultConfig returns the default selector tuning
func DefaultConfig() Config {
	return Config{
		PollInterval:           10 * time.Second,
		StreamRecoveryInterval: 30 * time.Second,
	}
}

// Selector arbitrates between the stream transport and the poll fallback for
// one channel. The stream is always preferred: the poller only runs while the
// stream is parked in degraded or failed, and is stopped the moment the
// stream reconnects. Consumers see a single unified event feed either way.
type Selector struct {
	cfg     Config
	mgr     *connection.Manager
	fetcher Fetcher
	cache   *SnapshotCache
	logger  *zap.Logger

	mu         sync.Mutex
	active     Kind
	activeKind int32 // atomic mirror of active, read by poll callbacks
	pinned     bool
	pinKind    Kind
	paused     bool
	poller     *poller
	started    bool
	closed     bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	bcast    *broadcaster
}

// NewSelector creates a transport selector for the channel served by mgr
func NewSelector(cfg Config, mgr *connection.Manager, fetcher Fetcher, cache *SnapshotCache, logger *zap.Logger) *Selector {
	return &Selector{
		cfg:      cfg,
		mgr:      mgr,
		fetcher:  fetcher,
		cache:    cache,
		logger:   logger.With(zap.String("channel", mgr.Channel())),
		active:   KindStream,
		stopChan: make(chan struct{}),
		bcast:    newBroadcaster(),
	}
}

// Channel returns the channel this selector serves
func (s *Selector) Channel() string {
	return s.mgr.Channel()
}

// Events returns the unified event feed: stream events while connected, merged
// snapshot updates while polling. Slow subscribers lose events.
func (s *Selector) Events(buffer int) (<-chan models.Event, func()) {
	return s.bcast.subscribeEvents(buffer)
}

// StatusUpdates returns a channel carrying unified status transitions
func (s *Selector) StatusUpdates(buffer int) (<-chan Status, func()) {
	return s.bcast.subscribeStatus(buffer)
}

// LastError returns the stream's most recent failure, if any
func (s *Selector) LastError() error {
	return s.mgr.LastError()
}

// Status returns the current unified transport status
func (s *Selector) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Selector) statusLocked() Status {
	state := s.mgr.State()
	if s.active == KindPoll && state == connection.Degraded {
		// Poll is carrying the data and the stream is still being retried on
		// the recovery interval, so the effective state is reconnecting.
		state = connection.Reconnecting
	}
	return Status{Transport: s.active, State: state}
}

// Start opens the stream and begins arbitration
func (s *Selector) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.mgr.Open(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop shuts down the selector, the poller, and the stream
func (s *Selector) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	s.stopPollerLocked()
	s.mu.Unlock()

	s.mgr.Close()
	s.bcast.closeAll()
}

// Pin forces a specific transport until Unpin is called
func (s *Selector) Pin(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pinned = true
	s.pinKind = kind
	s.logger.Info("Transport pinned", zap.String("transport", kind.String()))

	switch kind {
	case KindStream:
		s.stopPollerLocked()
		s.setActiveLocked(KindStream)
		if s.mgr.State() == connection.Degraded {
			_ = s.mgr.Reset()
		}
	case KindPoll:
		s.startPollerLocked()
		s.setActiveLocked(KindPoll)
	}
	s.bcast.publishStatus(s.statusLocked())
}

// Unpin returns the selector to automatic arbitration
func (s *Selector) Unpin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pinned {
		return
	}
	s.pinned = false
	s.logger.Info("Transport unpinned")
	s.applyStreamStateLocked(s.mgr.State())
}

// Pause suspends background timers: the poller stops and the stream's
// keepalive probing is halted. Intended for the backgrounded-console signal.
func (s *Selector) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}
	s.paused = true
	s.logger.Info("Transport paused")

	s.stopPollerLocked()
	s.mgr.SetKeepalivePaused(true)
}

// Resume restarts background work and issues exactly one immediate refresh:
// a fresh snapshot fetch when the stream is down, or nothing extra when the
// stream survived the pause.
func (s *Selector) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false
	s.logger.Info("Transport resumed")

	s.mgr.SetKeepalivePaused(false)

	state := s.mgr.State()
	if state == connection.Degraded {
		_ = s.mgr.Reset()
	}
	if state != connection.Connected {
		s.applyStreamStateLocked(state)
		if s.poller == nil {
			// Stream is down and polling is not running yet: refresh once so
			// the operator does not stare at stale data until the next tick.
			go s.refreshOnce()
		}
	}
}

// refreshOnce performs a single fetch-and-merge outside the poller
func (s *Selector) refreshOnce() {
	p := newPoller(s.mgr.Channel(), s.fetcher, s.cache, s.cfg.PollInterval, s.logger, s.handlePollEvent)
	p.fetchOnce()
}

// run arbitrates transports off the stream's state transitions
func (s *Selector) run() {
	defer s.wg.Done()

	states, cancelStates := s.mgr.States(16)
	defer cancelStates()
	events, cancelEvents := s.mgr.Events(64)
	defer cancelEvents()

	recovery := time.NewTicker(s.cfg.StreamRecoveryInterval)
	defer recovery.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			s.bcast.publishEvent(event)

		case state, ok := <-states:
			if !ok {
				return
			}
			s.mu.Lock()
			s.applyStreamStateLocked(state)
			s.bcast.publishStatus(s.statusLocked())
			s.mu.Unlock()

		case <-recovery.C:
			s.mu.Lock()
			retry := !s.paused && !s.pinned && s.mgr.State() == connection.Degraded
			s.mu.Unlock()
			if retry {
				s.logger.Info("Probing stream recovery")
				_ = s.mgr.Reset()
			}

		case <-s.stopChan:
			return
		}
	}
}

// applyStreamStateLocked recomputes the active transport from the stream state
func (s *Selector) applyStreamStateLocked(state connection.State) {
	if s.pinned {
		return
	}

	switch state {
	case connection.Connected:
		// Stream wins. Any in-flight poll result is discarded by
		// handlePollEvent once active flips back to stream.
		s.stopPollerLocked()
		s.setActiveLocked(KindStream)
	case connection.Degraded, connection.Failed:
		if !s.paused {
			s.startPollerLocked()
		}
		s.setActiveLocked(KindPoll)
	}
}

func (s *Selector) setActiveLocked(kind Kind) {
	if s.active == kind {
		return
	}
	s.active = kind
	atomic.StoreInt32(&s.activeKind, int32(kind))
	s.logger.Info("Active transport changed", zap.String("transport", kind.String()))
	metrics.SetActiveTransport(s.mgr.Channel(), kind.String())
}

func (s *Selector) startPollerLocked() {
	if s.poller != nil {
		return
	}
	s.logger.Info("Starting poll fallback", zap.Duration("interval", s.cfg.PollInterval))
	s.poller = newPoller(s.mgr.Channel(), s.fetcher, s.cache, s.cfg.PollInterval, s.logger, s.handlePollEvent)
	s.poller.start()
}

func (s *Selector) stopPollerLocked() {
	if s.poller == nil {
		return
	}
	s.logger.Info("Stopping poll fallback")
	s.poller.stop()
	s.poller = nil
}

// handlePollEvent forwards a poll-derived event unless the stream took over
// while the fetch was in flight. Reads the active transport without the
// selector lock: the lock may be held by the very caller tearing the poller
// down.
func (s *Selector) handlePollEvent(event models.Event) {
	if Kind(atomic.LoadInt32(&s.activeKind)) != KindPoll {
		metrics.IncPollFetch(event.Channel, "discarded")
		return
	}
	s.bcast.publishEvent(event)
}
