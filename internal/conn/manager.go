// Package conn owns the lifecycle of the single realtime channel: connect,
// authenticate, detect loss, reconnect with backoff.
package conn

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/protocol"
)

// State of the connection. Transitions drive every other component's
// availability.
type State int

const (
	// StateDisconnected is the initial state, and the terminal state after
	// Close.
	StateDisconnected State = iota
	// StateConnecting means the first dial is in flight.
	StateConnecting
	// StateConnected means the channel is open and authenticated.
	StateConnected
	// StateReconnecting means the channel was lost and a backoff-governed
	// retry is pending.
	StateReconnecting
	// StateLost is terminal: every reconnect attempt failed.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send outside StateConnected. Callers must
// not block waiting for connectivity.
var ErrNotConnected = errors.New("not connected")

// Dispatcher receives every inbound envelope, unmodified, in arrival order.
type Dispatcher interface {
	Dispatch(env protocol.Envelope)
}

// Options configures a Manager.
type Options struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// BackoffBase is the first reconnect delay (default 1s).
	BackoffBase time.Duration
	// BackoffCap bounds the reconnect delay (default 30s).
	BackoffCap time.Duration
	// MaxAttempts is how many consecutive reconnects are tried before the
	// manager gives up with StateLost (default 5).
	MaxAttempts int
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (o *Options) defaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Manager owns one websocket connection per user session. It is instantiated
// once and passed by handle to dependent components; there is no implicit
// singleton.
type Manager struct {
	opts       Options
	log        zerolog.Logger
	dispatcher Dispatcher
	onState    func(State)

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	userID  string
	attempt int
	retry   *time.Timer
	closed  bool
}

// NewManager returns a Manager feeding the dispatcher. onState may be nil;
// when set it is called, unlocked, after every state transition.
func NewManager(opts Options, d Dispatcher, onState func(State), log zerolog.Logger) *Manager {
	opts.defaults()
	return &Manager{
		opts:       opts,
		log:        log,
		dispatcher: d,
		onState:    onState,
		state:      StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel and authenticates as userID. Transport-level
// errors do not surface past this layer; they fail silently into
// StateReconnecting and the backoff schedule.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	if m.closed || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.userID = userID
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.dial()
}

// Send writes one envelope. It succeeds only in StateConnected and fails
// fast with ErrNotConnected otherwise; there is no outbox.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.conn == nil {
		return ErrNotConnected
	}
	return m.conn.WriteJSON(env)
}

// Close cancels any pending reconnect timer and transitions to
// StateDisconnected terminally. No further auto-reconnect happens.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	c := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

// dial attempts one open+authenticate cycle. Success resets the attempt
// counter; failure feeds the backoff schedule.
func (m *Manager) dial() {
	c, _, err := m.opts.Dialer.Dial(m.opts.URL, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("url", m.opts.URL).Msg("dial failed")
		m.scheduleRetry()
		return
	}

	join, err := protocol.NewEnvelope(protocol.TypeJoin, protocol.JoinPayload{UserID: m.userID})
	if err == nil {
		err = c.WriteJSON(join)
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("join failed")
		c.Close()
		m.scheduleRetry()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return
	}
	m.conn = c
	m.attempt = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info().Str("user", m.userID).Msg("connected")
	go m.readLoop(c)
}

// scheduleRetry arms the reconnect timer, or gives up with StateLost after
// MaxAttempts consecutive failures. The timer is owned here and canceled by
// Close.
func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.opts.MaxAttempts {
		m.setStateLocked(StateLost)
		m.mu.Unlock()
		m.log.Error().Int("attempts", m.opts.MaxAttempts).Msg("connection lost, giving up")
		return
	}
	delay := backoffDelay(m.opts.BackoffBase, m.opts.BackoffCap, m.attempt)
	m.attempt++
	m.setStateLocked(StateReconnecting)
	m.retry = time.AfterFunc(delay, m.dial)
	attempt := m.attempt
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
}

// readLoop forwards every inbound envelope to the dispatcher, one at a time
// in arrival order, until the connection drops.
func (m *Manager) readLoop(c *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := c.ReadJSON(&env); err != nil {
			m.mu.Lock()
			stale := m.conn != c
			closed := m.closed
			if !stale {
				m.conn = nil
			}
			m.mu.Unlock()
			if closed || stale {
				return
			}
			m.log.Warn().Err(err).Msg("connection dropped")
			c.Close()
			m.scheduleRetry()
			return
		}
		m.dispatcher.Dispatch(env)
	}
}

// setStateLocked records a transition and notifies outside the lock.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		go m.onState(s)
	}
}

// backoffDelay is min(base << attempt, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
