// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the window within which a burst of flapping
// reachability events collapses to its final state.
const DefaultDebounce = 300 * time.Millisecond

// State is the process-wide connectivity snapshot.
type State struct {
	Online   bool
	Checking bool
}

// Prober performs one reachability check. It cannot fail, only report
// offline.
type Prober func(ctx context.Context) bool

// Monitor observes platform reachability events, debounces flapping
// transitions, and publishes the resulting state to subscribers. Platform
// bindings feed raw events in through Notify; subscribers receive only the
// final state of each debounce window.
type Monitor struct {
	mu       sync.Mutex
	state    State
	debounce time.Duration
	prober   Prober
	logger   *slog.Logger

	timer   *time.Timer
	pending bool // a debounce window is open
	last    bool // last raw event within the window

	nextSub int
	subs    map[int]func(State)
	seeded  bool
	closed  bool
}

// NewMonitor returns a monitor seeded offline. prober may be nil when no
// synchronous reachability check is available; the first Notify then seeds
// the state. debounce <= 0 uses DefaultDebounce.
func NewMonitor(prober Prober, debounce time.Duration, logger *slog.Logger) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		debounce: debounce,
		prober:   prober,
		logger:   logger,
		subs:     make(map[int]func(State)),
	}
}

// Current returns the current connectivity state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers cb for state changes and returns an unsubscribe
// function. Teardown is explicit so listeners are not leaked across
// component lifecycles. The first subscription triggers one undebounced
// probe to seed the state, so a cold start does not flash "checking" while
// waiting for the first platform event.
func (m *Monitor) Subscribe(cb func(State)) (unsubscribe func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	seed := !m.seeded && m.prober != nil
	if seed {
		m.seeded = true
		m.state.Checking = true
	}
	m.mu.Unlock()

	if seed {
		go m.probe()
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// probe runs the undebounced seed check and publishes the result.
func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	online := m.prober(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	changed := m.state.Online != online || m.state.Checking
	m.state = State{Online: online}
	subs := m.snapshotSubs()
	state := m.state
	m.mu.Unlock()

	if changed {
		m.logger.Debug("connectivity seeded", "online", online)
		for _, cb := range subs {
			cb(state)
		}
	}
}

// Notify feeds a raw platform reachability event into the debounce window.
// Each event resets the window; only the last event within it is published.
func (m *Monitor) Notify(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.last = online
	m.pending = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.flush)
}

// flush publishes the final state of a debounce window.
func (m *Monitor) flush() {
	m.mu.Lock()
	if m.closed || !m.pending {
		m.mu.Unlock()
		return
	}
	m.pending = false
	online := m.last
	changed := m.state.Online != online || m.state.Checking
	m.state = State{Online: online}
	subs := m.snapshotSubs()
	state := m.state
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Debug("connectivity changed", "online", online)
	for _, cb := range subs {
		cb(state)
	}
}

// snapshotSubs copies subscribers so callbacks run without the lock held.
// Caller must hold mu.
func (m *Monitor) snapshotSubs() []func(State) {
	subs := make([]func(State), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	return subs
}

// Close stops the debounce timer and drops all subscribers. Further
// notifications are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.subs = make(map[int]func(State))
}
