// Package notify owns the long-lived push-subscription channel: it creates
// the upstream channel, keeps the streaming connection alive across failures
// with exponential backoff and jitter, and dispatches inbound frames to a
// caller-supplied handler.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for channel lifecycle and message flow.
var (
	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_channel_reconnects_total",
		Help: "Total scheduled channel reconnect attempts",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_channel_messages_total",
		Help: "Total inbound channel messages by topic",
	}, []string{"topic"})

	handlerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_channel_handler_errors_total",
		Help: "Total message handler failures (logged, never propagated)",
	})
)

// State is the channel manager connection state.
type State int

const (
	// StateDisconnected means no connection exists and none is being established.
	StateDisconnected State = iota

	// StateConnecting means channel setup is in progress.
	StateConnecting

	// StateConnected means the streaming connection is live.
	StateConnected

	// StateReconnecting means a reconnect timer is pending.
	StateReconnecting
)

// String implements fmt.Stringer.
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
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("channel manager already started")

// ChannelInfo is the upstream channel-creation result.
type ChannelInfo struct {
	ID         string `json:"id"`
	ConnectURI string `json:"connectUri"`
}

// SubscriptionAPI manages upstream channels and topic subscriptions.
type SubscriptionAPI interface {
	CreateChannel(ctx context.Context) (*ChannelInfo, error)
	Subscribe(ctx context.Context, channelID string, topics []string) error
	Unsubscribe(ctx context.Context, channelID string) error
}

// ChannelStore durably records the last known channel id so a restarted
// process can best-effort clean up the channel a crashed one left behind.
type ChannelStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, channelID string) error
}

// Conn is the subset of the streaming connection the manager needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a streaming connection to a connect URI.
type DialFunc func(ctx context.Context, uri string) (Conn, error)

// Handler receives each inbound frame verbatim. A returned error is logged
// and never propagated, so one bad message cannot kill the channel.
type Handler func(frame []byte) error

// StateFunc observes manager state transitions.
type StateFunc func(State)

// Config holds the channel manager configuration.
type Config struct {
	// API creates channels and manages topic subscriptions (required).
	API SubscriptionAPI

	// Store persists the last known channel id. Optional; without it crash
	// cleanup is skipped.
	Store ChannelStore

	// Topics is the topic set to subscribe (required).
	Topics []string

	// Handler receives inbound frames (required).
	Handler Handler

	// OnStateChange observes state transitions. Optional.
	OnStateChange StateFunc

	// InitialDelay is the base reconnect delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential reconnect delay.
	MaxDelay time.Duration

	// Dial opens the streaming connection; defaults to a websocket dialer.
	Dial DialFunc

	// Rand is the jitter source; defaults to a time-seeded source.
	Rand *rand.Rand
}

// Manager keeps a single push-subscription connection alive. It guarantees at
// most one live connection and at most one pending reconnect timer, and it
// never gives up short of an explicit Shutdown.
type Manager struct {
	config Config
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	channelID string
	timer     *time.Timer
	attempts  int
	started   bool
	closed    bool

	wg sync.WaitGroup
}

// New creates a channel manager.
func New(cfg Config) (*Manager, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("subscription API is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Manager{
		config: cfg,
		logger: log.With().Str("component", "channel-manager").Logger(),
		state:  StateDisconnected,
	}, nil
}

// Start establishes the channel and streaming connection. A setup failure is
// not returned: it is logged and converted into a scheduled reconnect, so the
// manager keeps trying until Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	if err := m.connect(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial channel setup failed, scheduling reconnect")
		m.scheduleReconnect(ctx)
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// connect performs one full channel setup: stale-channel cleanup, channel
// creation, topic subscription, streaming dial, and channel-id persistence.
func (m *Manager) connect(ctx context.Context) error {
	m.setState(StateConnecting)

	// A stale previous channel must never block establishing a new one.
	if m.config.Store != nil {
		if previous, err := m.config.Store.Load(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Could not load previous channel id")
		} else if previous != "" {
			if err := m.config.API.Unsubscribe(ctx, previous); err != nil {
				m.logger.Warn().Err(err).Str("channel_id", previous).Msg("Stale channel cleanup failed")
			}
		}
	}

	info, err := m.config.API.CreateChannel(ctx)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	if err := m.config.API.Subscribe(ctx, info.ID, m.config.Topics); err != nil {
		return fmt.Errorf("subscribe channel %s: %w", info.ID, err)
	}

	conn, err := m.config.Dial(ctx, info.ConnectURI)
	if err != nil {
		return fmt.Errorf("open streaming connection: %w", err)
	}

	if m.config.Store != nil {
		if err := m.config.Store.Save(ctx, info.ID); err != nil {
			m.logger.Warn().Err(err).Str("channel_id", info.ID).Msg("Could not persist channel id")
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	if m.conn != nil {
		// The new connection replaces any previous one.
		m.conn.Close()
	}
	m.conn = conn
	m.channelID = info.ID
	m.attempts = 0
	m.clearTimerLocked()
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.Info().
		Str("channel_id", info.ID).
		Strs("topics", m.config.Topics).
		Msg("Channel connected")

	m.wg.Add(1)
	go m.readLoop(ctx, conn)

	return nil
}

// readLoop consumes frames until the connection fails or the manager shuts down.
func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.conn != conn
			closed := m.closed
			if !stale && !closed {
				m.conn = nil
			}
			m.mu.Unlock()

			if stale || closed {
				return
			}

			m.logger.Warn().Err(err).Msg("Streaming connection lost")
			m.setState(StateDisconnected)
			m.scheduleReconnect(ctx)
			return
		}

		// A frame is a liveness signal: the connection is evidently alive,
		// so any pending reconnect is obsolete. The attempt counter is NOT
		// reset here; only a successful connect resets it.
		m.mu.Lock()
		if m.conn == conn {
			m.clearTimerLocked()
		}
		m.mu.Unlock()

		m.dispatch(frame)
	}
}

// dispatch forwards a frame to the handler, isolating handler failures.
func (m *Manager) dispatch(frame []byte) {
	var meta struct {
		TopicName string `json:"topicName"`
	}
	_ = json.Unmarshal(frame, &meta)
	messagesTotal.WithLabelValues(meta.TopicName).Inc()

	defer func() {
		if r := recover(); r != nil {
			handlerErrorsTotal.Inc()
			m.logger.Error().
				Str("topic", meta.TopicName).
				Interface("panic", r).
				Msg("Message handler panicked")
		}
	}()

	if err := m.config.Handler(frame); err != nil {
		handlerErrorsTotal.Inc()
		m.logger.Error().
			Err(err).
			Str("topic", meta.TopicName).
			Msg("Message handler failed")
	}
}

// scheduleReconnect arms the reconnect timer. At most one timer is pending at
// any instant; a second call while one is pending is a no-op.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.timer != nil {
		m.mu.Unlock()
		return
	}

	delay := Delay(m.attempts, m.config.InitialDelay, m.config.MaxDelay, m.config.Rand)
	m.attempts++
	attempt := m.attempts

	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.timer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		if err := m.connect(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Reconnect failed, scheduling another attempt")
			m.scheduleReconnect(ctx)
		}
	})
	m.mu.Unlock()

	m.setState(StateReconnecting)
	reconnectsTotal.Inc()
	m.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}

// Shutdown tears the channel down: it clears any pending reconnect timer,
// closes the connection, and best-effort unsubscribes the upstream channel.
// Only Shutdown stops the retry cycle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.clearTimerLocked()
	conn := m.conn
	m.conn = nil
	channelID := m.channelID
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if channelID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.config.API.Unsubscribe(ctx, channelID); err != nil {
			m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Channel teardown unsubscribe failed")
		}
	}

	m.wg.Wait()
	m.setState(StateDisconnected)
	m.logger.Info().Msg("Channel manager shut down")
}

// setState records a transition and notifies the observer outside the lock.
func (m *Manager) setState(next State) {
	m.mu.Lock()
	changed := m.state != next
	m.state = next
	m.mu.Unlock()

	if changed && m.config.OnStateChange != nil {
		m.config.OnStateChange(next)
	}
}

// clearTimerLocked stops and discards a pending reconnect timer. Callers hold m.mu.
func (m *Manager) clearTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// dialWebsocket is the default DialFunc.
func dialWebsocket(ctx context.Context, uri string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, uri, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return conn, nil
}
