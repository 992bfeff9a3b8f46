// Package session owns the single messaging-provider connection.
//
// A Manager runs one connection at a time inside a supervisor restart loop:
// every connection end (disconnect, logout, failed construction) returns from
// the loop and the supervisor starts a brand-new connection after a jittered
// backoff. Provider events are consumed by that loop only, so it is the single
// writer of session state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/provider"
	"wablast/internal/runtime/supervisor"
	logx "wablast/pkg/logx"
)

type Config struct {
	RestartMinBackoff time.Duration
	RestartMaxBackoff time.Duration
	TeardownTimeout   time.Duration
	// EventBuffer sizes the per-connection event channel.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.RestartMinBackoff <= 0 {
		c.RestartMinBackoff = 500 * time.Millisecond
	}
	if c.RestartMaxBackoff < c.RestartMinBackoff {
		c.RestartMaxBackoff = max(30*time.Second, c.RestartMinBackoff)
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 15 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 16
	}
	return c
}

// TaskName is the supervisor name of the connection loop.
const TaskName = "session.connection"

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type Manager struct {
	cfg     Config
	factory provider.Factory
	log     logx.Logger
	bus     eventbus.Bus
	obs     Observer
	now     func() time.Time

	// connMu is held shared by in-flight sends and exclusively by teardown,
	// so a connection is never destroyed under a running send.
	connMu sync.RWMutex

	mu       sync.RWMutex
	state    State
	since    time.Time
	reason   string
	artifact *PairingArtifact
	gen      uint64
	conn     provider.Client
	lost     chan struct{}
	// wipe asks the next connection to clear stored credentials first.
	wipe bool

	logoutCh chan logoutReq
}

type logoutReq struct {
	done chan error
}

type Option func(*Manager)

func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg Config, factory provider.Factory, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		log:      log,
		bus:      eventbus.Nop(),
		obs:      nopObserver{},
		now:      time.Now,
		lost:     closedCh,
		logoutCh: make(chan logoutReq),
	}
	for _, o := range opts {
		o(m)
	}
	m.since = m.now()
	return m
}

// Start hosts the connection loop on sup. It returns immediately.
func (m *Manager) Start(sup *supervisor.Supervisor) {
	sup.GoRestart(TaskName, m.run,
		supervisor.WithRestartBackoff(m.cfg.RestartMinBackoff, m.cfg.RestartMaxBackoff),
		supervisor.WithStopOnCleanExit(false),
	)
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsReady() bool { return m.State() == StateReady }

func (m *Manager) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:      m.state,
		Ready:      m.state == StateReady,
		Generation: m.gen,
		Since:      m.since,
		HasPairing: m.artifact != nil,
		Reason:     m.reason,
	}
}

// CurrentPairingArtifact returns the pending pairing challenge.
func (m *Manager) CurrentPairingArtifact() (PairingArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.artifact == nil || m.state == StateReady {
		return PairingArtifact{}, ErrPairingUnavailable
	}
	return *m.artifact, nil
}

// Lost returns a channel closed once the current connection is retired.
// With no connection the channel is already closed.
func (m *Manager) Lost() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lost
}

// Send borrows the current connection for one message.
func (m *Manager) Send(ctx context.Context, address, body string) error {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	m.mu.RLock()
	conn := m.conn
	ready := m.state == StateReady
	m.mu.RUnlock()
	if !ready || conn == nil {
		return provider.ErrNotConnected
	}
	return conn.Send(ctx, address, body)
}

// Logout tears the current connection down whatever its state, clears its
// session storage and pairing artifact, and lets the keeper start over.
// With no live connection (between restarts) the storage is cleared before
// the next connection is initialized.
// A teardown failure is returned as *TeardownError after local state is cleared.
func (m *Manager) Logout(ctx context.Context) error {
	for {
		m.mu.Lock()
		conn, lost := m.conn, m.lost
		if conn == nil {
			m.wipe = true
			m.artifact = nil
		}
		m.mu.Unlock()

		if conn == nil {
			m.log.Info("logout requested between connections; session storage is cleared before the next one")
			return nil
		}

		req := logoutReq{done: make(chan error, 1)}
		select {
		case m.logoutCh <- req:
		case <-lost:
			// Retired while we were waiting; retry against whatever is current.
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-req.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) run(ctx context.Context) error {
	conn, gen, events, err := m.connect(ctx)
	if err != nil {
		return err
	}

	if err := conn.Initialize(ctx, events); err != nil {
		_ = m.teardown(gen, conn, "initialize failed", false)
		return fmt.Errorf("initialize connection: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := m.teardown(gen, conn, "shutdown", false); err != nil {
				m.log.Warn("connection teardown on shutdown failed", logx.Err(err))
			}
			return ctx.Err()

		case ev := <-events:
			if ev.Kind != provider.EventDisconnected {
				m.apply(gen, ev)
				continue
			}
			m.log.Warn("connection lost", logx.Uint64("generation", gen), logx.String("reason", ev.Reason))
			if err := m.teardown(gen, conn, ev.Reason, false); err != nil {
				m.log.Warn("connection teardown failed", logx.Uint64("generation", gen), logx.Err(err))
			}
			return ErrConnectionLost

		case req := <-m.logoutCh:
			m.log.Info("logout: closing session", logx.Uint64("generation", gen))
			err := m.teardown(gen, conn, "logout", true)
			if err != nil {
				m.log.Error("logout teardown failed; starting a fresh connection anyway", logx.Uint64("generation", gen), logx.Err(err))
				req.done <- &TeardownError{Err: err}
			} else {
				req.done <- nil
			}
			return ErrConnectionLost
		}
	}
}

// connect builds and installs a new connection. A logout that arrived while
// no connection was live is honored here: the stored session is cleared
// through the new client, which is then replaced by one for a fresh identity.
func (m *Manager) connect(ctx context.Context) (provider.Client, uint64, chan provider.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, nil, err
		}
		conn, err := m.factory(ctx)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("construct connection: %w", err)
		}
		gen, events, wipe := m.install(conn)
		if !wipe {
			return conn, gen, events, nil
		}
		if err := m.teardown(gen, conn, "logout", true); err != nil {
			m.mu.Lock()
			m.wipe = true
			m.mu.Unlock()
			m.log.Error("clearing session after logout failed", logx.Uint64("generation", gen), logx.Err(err))
			return nil, 0, nil, &TeardownError{Err: err}
		}
		m.log.Info("session storage cleared after logout", logx.Uint64("generation", gen))
	}
}

// install makes conn the current connection in state Uninitialized. wipe
// reports a pending logout that found no live connection.
func (m *Manager) install(conn provider.Client) (gen uint64, events chan provider.Event, wipe bool) {
	m.mu.Lock()
	reconnect := m.gen > 0
	m.gen++
	gen = m.gen
	m.conn = conn
	m.lost = make(chan struct{})
	m.artifact = nil
	wipe, m.wipe = m.wipe, false
	m.setStateLocked(StateUninitialized, "")
	st := m.statusLocked()
	m.mu.Unlock()

	if reconnect {
		m.obs.ObserveReconnect()
	}
	m.log.Info("initializing connection", logx.Uint64("generation", gen))
	m.published(st)
	return gen, make(chan provider.Event, m.cfg.EventBuffer), wipe
}

func (m *Manager) apply(gen uint64, ev provider.Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	prev := m.state
	var issued *PairingArtifact
	switch ev.Kind {
	case provider.EventPairing:
		issued = &PairingArtifact{Code: ev.Code, IssuedAt: m.now(), Generation: gen}
		m.artifact = issued
		m.setStateLocked(StatePairingRequired, "")
	case provider.EventAuthenticated:
		// A late authenticated event must not downgrade a ready session.
		if m.state != StateReady {
			m.setStateLocked(StateAuthenticated, "")
		}
	case provider.EventReady:
		m.artifact = nil
		m.setStateLocked(StateReady, "")
	default:
		m.mu.Unlock()
		m.log.Debug("ignoring unknown provider event", logx.Int("kind", int(ev.Kind)))
		return
	}
	st := m.statusLocked()
	m.mu.Unlock()

	if prev == st.State && issued == nil {
		return
	}
	switch st.State {
	case StatePairingRequired:
		m.log.Info("pairing code issued; scan it to link the session", logx.Uint64("generation", gen))
	case StateAuthenticated:
		m.log.Info("session authenticated", logx.Uint64("generation", gen))
	case StateReady:
		if prev != StateAuthenticated {
			m.log.Debug("ready without authenticated event", logx.String("from", prev.String()))
		}
		m.log.Info("session ready", logx.Uint64("generation", gen))
	}
	if issued != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.PairingIssued, Data: *issued})
	}
	m.published(st)
}

// teardown marks gen disconnected, waits for in-flight sends and releases the connection.
func (m *Manager) teardown(gen uint64, conn provider.Client, reason string, clearSession bool) error {
	m.mu.Lock()
	current := gen == m.gen && m.conn == conn
	if current {
		m.setStateLocked(StateDisconnected, reason)
		m.artifact = nil
		m.conn = nil
		close(m.lost)
		m.lost = closedCh
	}
	st := m.statusLocked()
	m.mu.Unlock()
	if current {
		m.published(st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()

	m.connMu.Lock()
	defer m.connMu.Unlock()

	var errs []error
	if clearSession {
		if err := conn.ClearSession(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear session: %w", err))
		}
	}
	if err := conn.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy connection: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) setStateLocked(s State, reason string) {
	m.state = s
	m.reason = reason
	m.since = m.now()
}

func (m *Manager) published(st Status) {
	m.obs.ObserveState(st.State.String())
	m.bus.Publish(eventbus.Event{Type: eventbus.SessionState, Data: st})
}
