package chatclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ConnState is the connection lifecycle state of the active conversation.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 15 * time.Second
)

// frameTopic is the internal bus topic inbound frames are published on.
func frameTopic(convID string) string { return "frames:" + convID }

// connTopic is the internal bus topic connection state transitions are
// published on.
func connTopic(convID string) string { return "conn:" + convID }

// ConnEvent is the bus payload for one connection state transition.
type ConnEvent struct {
	State    ConnState `json:"state"`
	Attempts int       `json:"attempts"`
}

// wsConn is the slice of *websocket.Conn the manager uses; tests substitute
// stub connections.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens a websocket channel to the target address.
type DialFunc func(ctx context.Context, target string) (wsConn, error)

func gorillaDial(ctx context.Context, target string) (wsConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return conn, nil
}

// ConnectionManager owns one live bidirectional channel for one conversation.
// Inbound frames are published to the internal bus on the frame topic; state
// transitions are published on the conn topic, one at a time in the order they
// happened. Involuntary closes schedule a reconnect with exponential backoff;
// voluntary Connect/Disconnect calls cancel any pending retry.
type ConnectionManager struct {
	convID string
	target string

	clock     clockwork.Clock
	dial      DialFunc
	publisher message.Publisher
	baseDelay time.Duration
	maxDelay  time.Duration

	mu         sync.Mutex
	state      ConnState
	attempts   int
	conn       wsConn
	retryTimer clockwork.Timer
	// generation invalidates read pumps of torn-down channels.
	generation int
	closed     bool
	// pending holds state transitions not yet published; a single dispatcher
	// goroutine drains it so events keep their order.
	pending     []ConnEvent
	dispatching bool
}

type ConnectionOption func(*ConnectionManager)

func WithConnectionClock(c clockwork.Clock) ConnectionOption {
	return func(m *ConnectionManager) { m.clock = c }
}

func WithDialFunc(d DialFunc) ConnectionOption {
	return func(m *ConnectionManager) { m.dial = d }
}

// WithBackoffBounds overrides the reconnect backoff floor and cap.
// Non-positive values keep the defaults.
func WithBackoffBounds(base, max time.Duration) ConnectionOption {
	return func(m *ConnectionManager) {
		if base > 0 {
			m.baseDelay = base
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

func NewConnectionManager(convID, target string, publisher message.Publisher, opts ...ConnectionOption) (*ConnectionManager, error) {
	if convID == "" {
		return nil, errors.New("connection manager: convID is empty")
	}
	if target == "" {
		return nil, errors.New("connection manager: target is empty")
	}
	if publisher == nil {
		return nil, errors.New("connection manager: publisher is nil")
	}
	m := &ConnectionManager{
		convID:    convID,
		target:    target,
		clock:     clockwork.NewRealClock(),
		dial:      gorillaDial,
		publisher: publisher,
		state:     StateDisconnected,
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	if m == nil {
		return StateDisconnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect tears down any existing channel and opens a new one. A voluntary
// call cancels any pending scheduled reconnect and resets the attempt counter
// immediately, so user-initiated reconnects carry no backoff penalty.
func (m *ConnectionManager) Connect(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.stopRetryTimerLocked()
	m.attempts = 0
	m.mu.Unlock()
	m.establish(ctx)
}

// establish performs one dial attempt without touching the attempt counter;
// failures schedule a backoff retry.
func (m *ConnectionManager) establish(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.teardownConnLocked()
	m.generation++
	gen := m.generation
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	conn, err := m.dial(ctx, m.target)

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "chatclient").Str("conv_id", m.convID).Msg("channel dial failed")
		m.scheduleReconnectLocked(ctx)
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	log.Info().Str("component", "chatclient").Str("conv_id", m.convID).Str("target", m.target).Msg("channel connected")
	go m.readPump(ctx, conn, gen)
}

// readPump publishes each inbound frame to the bus in arrival order. A read
// error on the live generation is treated as an involuntary close.
func (m *ConnectionManager) readPump(ctx context.Context, conn wsConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.closed || gen != m.generation
			if !stale {
				m.conn = nil
				log.Warn().Err(err).Str("component", "chatclient").Str("conv_id", m.convID).Msg("channel closed involuntarily")
				m.scheduleReconnectLocked(ctx)
			}
			m.mu.Unlock()
			return
		}
		if len(data) == 0 {
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), data)
		if err := m.publisher.Publish(frameTopic(m.convID), msg); err != nil {
			log.Warn().Err(err).Str("component", "chatclient").Str("conv_id", m.convID).Msg("frame publish failed")
		}
	}
}

// scheduleReconnectLocked arms the backoff timer: min(1s << attempts, 15s).
// Low-level transport errors land here exactly once per close; the generation
// check prevents double scheduling.
func (m *ConnectionManager) scheduleReconnectLocked(ctx context.Context) {
	if m.retryTimer != nil {
		return
	}
	delay := m.baseDelay << m.attempts
	if delay > m.maxDelay || delay <= 0 {
		delay = m.maxDelay
	}
	m.attempts++
	m.setStateLocked(StateReconnecting)
	log.Info().
		Str("component", "chatclient").
		Str("conv_id", m.convID).
		Dur("delay", delay).
		Int("attempts", m.attempts).
		Msg("scheduling reconnect")
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			m.establish(ctx)
		}
	})
}

// Disconnect closes the channel and cancels pending timers without scheduling
// a retry.
func (m *ConnectionManager) Disconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stopRetryTimerLocked()
	m.teardownConnLocked()
	m.generation++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Close permanently shuts the manager down.
func (m *ConnectionManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.closed = true
	m.stopRetryTimerLocked()
	m.teardownConnLocked()
	m.generation++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// WriteJSON transmits one JSON value over the live channel.
func (m *ConnectionManager) WriteJSON(v any) error {
	if m == nil {
		return ErrChannelClosed
	}
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateConnected && conn != nil
	m.mu.Unlock()
	if !open {
		return ErrChannelClosed
	}
	return conn.WriteJSON(v)
}

// IsOpen reports whether the channel is currently connected.
func (m *ConnectionManager) IsOpen() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

// Attempts returns the current retry-attempt counter.
func (m *ConnectionManager) Attempts() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *ConnectionManager) setStateLocked(s ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, ConnEvent{State: s, Attempts: m.attempts})
	if !m.dispatching {
		m.dispatching = true
		go m.dispatchEvents()
	}
}

// dispatchEvents publishes queued state transitions one at a time. Only one
// dispatcher runs per manager, so subscribers observe transitions in the
// order setStateLocked recorded them.
func (m *ConnectionManager) dispatchEvents() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.dispatching = false
			m.mu.Unlock()
			return
		}
		ev := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		if err := m.publisher.Publish(connTopic(m.convID), msg); err != nil {
			log.Debug().Err(err).Str("component", "chatclient").Str("conv_id", m.convID).Msg("conn event publish failed")
		}
	}
}

func (m *ConnectionManager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *ConnectionManager) teardownConnLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
