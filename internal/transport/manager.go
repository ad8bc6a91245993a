// ABOUTME: Connection manager: handshake, global subscription, heart-beats, and reconnect backoff
// ABOUTME: Generation counters discard callbacks from sockets that have already been replaced

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/frame"
	"github.com/2389/coven-chat/internal/metrics"
)

var (
	// ErrNotConnected is returned by Send and Subscribe before the handshake completes.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted is reported by LastError once the attempt ceiling is reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrHandshakeTimeout means the server never answered CONNECT.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// Config controls the Manager.
type Config struct {
	URL                  string
	AcceptVersion        string
	HeartBeat            time.Duration
	GlobalTopic          string
	GlobalSubscriptionID string
	ConnectTimeout       time.Duration
	Backoff              Backoff
	DedupeTTL            time.Duration
	DedupeSize           int
}

// DefaultConfig returns the stock protocol settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		AcceptVersion:        "1.1,1.0",
		HeartBeat:            4 * time.Second,
		GlobalTopic:          "/topic/chat",
		GlobalSubscriptionID: "chat-sub-0",
		ConnectTimeout:       10 * time.Second,
		Backoff:              DefaultBackoff(),
		DedupeTTL:            5 * time.Minute,
		DedupeSize:           1024,
	}
}

// FrameHandler receives MESSAGE frames in arrival order.
type FrameHandler func(frame.Frame)

// StateListener observes connection state changes.
type StateListener func(State)

// Manager owns the single persistent socket.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	seen    *dedupe.Cache
	metrics *metrics.Metrics

	mu             sync.Mutex
	state          State
	pending        []State
	attempts       int
	gen            uint64
	sock           Socket
	established    bool
	dialing        bool
	stopped        bool
	ctx            context.Context
	retryTimer     *time.Timer
	handshakeTimer *time.Timer
	heartbeatStop  chan struct{}
	readIdle       time.Duration
	lastErr        error

	writeMu sync.Mutex

	// notifyMu serializes listener delivery so states arrive in the order
	// they were entered.
	notifyMu     sync.Mutex
	listenersMu  sync.RWMutex
	listeners    map[int]StateListener
	nextListener int

	hooksMu     sync.RWMutex
	onFrame     FrameHandler
	onConnected []func()
}

// NewManager creates a Manager in StateDisconnected. Nothing is dialed
// until Connect.
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger.With("component", "transport"),
		seen:      dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		ctx:       context.Background(),
		state:     StateDisconnected,
		listeners: make(map[int]StateListener),
	}
}

// SetMetrics attaches collectors. Call before Connect.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
	mt.SetConnectionState(m.State().String(), stateNames())
}

// SetFrameHandler installs the receiver for MESSAGE frames.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onFrame = h
}

// OnConnected registers fn to run after every successful handshake,
// after the global subscription has been sent.
func (m *Manager) OnConnected(fn func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnStateChange registers l and immediately calls it with the current
// state. The returned function removes the listener.
func (m *Manager) OnStateChange(l StateListener) (remove func()) {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	m.listenersMu.Unlock()

	l(m.State())

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnection attempts since the last
// successful handshake.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent connection failure, wrapping
// ErrReconnectExhausted once the manager has given up.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect starts connecting. It is a no-op while a socket is open or a
// dial is in flight. Calling it after StateFailed resets the attempt
// counter and starts over. ctx bounds every dial made on this connection's
// behalf, including reconnects.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.dialing || m.sock != nil {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("connect ignored, connection already in progress", "state", state)
		return
	}
	m.stopped = false
	m.ctx = ctx
	m.attempts = 0
	stopTimer(&m.retryTimer)
	m.mu.Unlock()

	m.dial()
}

// Disconnect closes the socket deliberately. No reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	m.dialing = false
	stopTimer(&m.retryTimer)
	stopTimer(&m.handshakeTimer)
	m.stopHeartbeatLocked()
	sock, established := m.sock, m.established
	m.sock = nil
	m.established = false
	m.attempts = 0
	m.enterLocked(StateDisconnected)
	m.mu.Unlock()

	if sock != nil {
		if established {
			_ = m.write(sock, frame.Disconnect())
		}
		_ = sock.Close()
	}
	m.flush()
	m.logger.Info("disconnected")
}

// Send transmits a SEND frame. It fails with ErrNotConnected unless the
// handshake has completed.
func (m *Manager) Send(destination, contentType, body string) error {
	sock, err := m.connectedSocket()
	if err != nil {
		m.logger.Warn("rejecting send while not connected", "destination", destination)
		return err
	}
	return m.write(sock, frame.Send(destination, contentType, body))
}

// SendJSON marshals v and sends it with content-type application/json.
func (m *Manager) SendJSON(destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling body for %s: %w", destination, err)
	}
	return m.Send(destination, "application/json", string(body))
}

// Subscribe sends a SUBSCRIBE frame for destination under id.
func (m *Manager) Subscribe(id, destination string) error {
	sock, err := m.connectedSocket()
	if err != nil {
		m.logger.Debug("deferring subscribe until connected", "destination", destination)
		return err
	}
	return m.write(sock, frame.Subscribe(id, destination))
}

func (m *Manager) connectedSocket() (Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock == nil || !m.established {
		return nil, ErrNotConnected
	}
	return m.sock, nil
}

func (m *Manager) write(sock Socket, f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	err = sock.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing %s: %w", f.Command, err)
	}
	m.metrics.FrameSent(f.Command)
	return nil
}

// dial opens a new socket asynchronously.
func (m *Manager) dial() {
	m.mu.Lock()
	if m.stopped || m.dialing || m.sock != nil {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.gen++
	gen := m.gen
	ctx := m.ctx
	attempt := m.attempts
	m.enterLocked(StateConnecting)
	m.mu.Unlock()
	m.flush()

	m.logger.Info("connecting", "url", m.cfg.URL, "attempt", attempt)

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		sock, err := m.dialer.Dial(dialCtx, m.cfg.URL)
		cancel()

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			if sock != nil {
				_ = sock.Close()
			}
			return
		}
		m.dialing = false
		if err != nil {
			m.lastErr = err
			m.mu.Unlock()
			m.logger.Warn("dial failed", "url", m.cfg.URL, "attempt", attempt, "error", err)
			m.scheduleReconnect(gen)
			return
		}
		m.sock = sock
		m.handshakeTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
			m.handshakeExpired(gen)
		})
		m.mu.Unlock()

		go m.readLoop(gen, sock)

		connect := frame.Connect(m.cfg.AcceptVersion, FormatHeartBeat(m.cfg.HeartBeat, m.cfg.HeartBeat))
		if err := m.write(sock, connect); err != nil {
			m.connectionLost(gen, err)
		}
	}()
}

func (m *Manager) readLoop(gen uint64, sock Socket) {
	for {
		if ds, ok := sock.(deadlineSetter); ok {
			if idle := m.readIdleTimeout(); idle > 0 {
				_ = ds.SetReadDeadline(time.Now().Add(idle))
			}
		}
		data, err := sock.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		m.handlePayload(gen, data)
	}
}

func (m *Manager) readIdleTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readIdle
}

func (m *Manager) handlePayload(gen uint64, data []byte) {
	if frame.IsHeartbeat(data) {
		return
	}

	f, err := frame.Decode(data)
	if err != nil {
		m.metrics.DecodeError()
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	m.metrics.FrameReceived(f.Command)

	switch f.Command {
	case frame.CommandConnected:
		m.handshakeComplete(gen, f)

	case frame.CommandMessage:
		if id := f.Headers.Value(frame.HeaderMessageID); id != "" && m.seen.Seen(id) {
			m.metrics.DuplicateFrame()
			m.logger.Debug("dropping redelivered message", "message_id", id)
			return
		}
		m.hooksMu.RLock()
		h := m.onFrame
		m.hooksMu.RUnlock()
		if h != nil {
			h(f)
		}

	case frame.CommandReceipt:
		m.logger.Debug("receipt", "receipt_id", f.Headers.Value(frame.HeaderReceiptID))

	case frame.CommandError:
		msg := f.Headers.Value(frame.HeaderMessage)
		m.logger.Error("server error frame", "message", msg, "body", f.Body)
		m.mu.Lock()
		if gen == m.gen {
			m.enterLocked(StateError)
		}
		m.mu.Unlock()
		m.flush()
		m.connectionLost(gen, fmt.Errorf("server error: %s", msg))

	default:
		m.logger.Debug("ignoring frame", "command", f.Command)
	}
}

func (m *Manager) handshakeComplete(gen uint64, f frame.Frame) {
	m.mu.Lock()
	if gen != m.gen || m.sock == nil || m.established {
		m.mu.Unlock()
		return
	}
	m.established = true
	m.attempts = 0
	m.lastErr = nil
	stopTimer(&m.handshakeTimer)

	outgoing, incoming := NegotiateHeartBeat(m.cfg.HeartBeat, m.cfg.HeartBeat, f.Headers.Value(frame.HeaderHeartBeat))
	// Allow one missed beat before treating the peer as gone.
	m.readIdle = 2 * incoming
	sock := m.sock
	if outgoing > 0 {
		m.heartbeatStop = make(chan struct{})
		go m.heartbeatLoop(sock, outgoing, m.heartbeatStop)
	}
	m.enterLocked(StateConnected)
	m.mu.Unlock()
	m.flush()

	m.logger.Info("connected",
		"url", m.cfg.URL,
		"version", f.Headers.Value(frame.HeaderVersion),
		"heartbeat_out", outgoing,
		"heartbeat_in", incoming,
	)

	if err := m.write(sock, frame.Subscribe(m.cfg.GlobalSubscriptionID, m.cfg.GlobalTopic)); err != nil {
		m.logger.Warn("global subscribe failed", "topic", m.cfg.GlobalTopic, "error", err)
	}

	m.hooksMu.RLock()
	hooks := append([]func(){}, m.onConnected...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) handshakeExpired(gen uint64) {
	m.mu.Lock()
	expired := gen == m.gen && m.sock != nil && !m.established
	m.mu.Unlock()
	if expired {
		m.connectionLost(gen, ErrHandshakeTimeout)
	}
}

func (m *Manager) heartbeatLoop(sock Socket, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := sock.WriteMessage([]byte("\n"))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Debug("heart-beat write failed", "error", err)
				return
			}
		}
	}
}

// connectionLost tears down the socket for gen and schedules a reconnect.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.sock == nil {
		m.mu.Unlock()
		return
	}
	sock := m.sock
	wasEstablished := m.established
	m.sock = nil
	m.established = false
	m.readIdle = 0
	m.lastErr = err
	stopTimer(&m.handshakeTimer)
	m.stopHeartbeatLocked()
	if wasEstablished {
		m.enterLocked(StateDisconnected)
	}
	m.mu.Unlock()
	m.flush()

	_ = sock.Close()

	if IsNormalClose(err) {
		m.logger.Info("connection closed by server")
	} else {
		m.logger.Warn("connection lost", "error", err, "established", wasEstablished)
	}
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	if !m.cfg.Backoff.ShouldRetry(m.attempts) {
		m.lastErr = fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, m.attempts, m.lastErr)
		attempts := m.attempts
		m.enterLocked(StateFailed)
		m.mu.Unlock()
		m.flush()
		m.logger.Error("giving up on connection", "attempts", attempts)
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	next := m.attempts + 1
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.stopped {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.attempts++
		m.mu.Unlock()
		m.dial()
	})
	m.enterLocked(StateReconnecting)
	m.mu.Unlock()
	m.flush()

	m.metrics.ReconnectScheduled()
	m.logger.Info("reconnect scheduled", "attempt", next, "delay", delay)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// enterLocked records a transition. Listeners are notified by flush,
// after the caller releases mu.
func (m *Manager) enterLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
}

func (m *Manager) popPending() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	s := m.pending[0]
	m.pending = m.pending[1:]
	return s, true
}

func (m *Manager) hasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// flush delivers queued transitions in order. A flush already running on
// another goroutine (or further up this one's stack, when a listener calls
// back into the Manager) drains the queue on everyone's behalf.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			s, ok := m.popPending()
			if !ok {
				break
			}
			m.deliver(s)
		}
		m.notifyMu.Unlock()
		if !m.hasPending() {
			return
		}
	}
}

func (m *Manager) deliver(s State) {
	m.metrics.SetConnectionState(s.String(), stateNames())

	m.listenersMu.RLock()
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.metrics.HandlerPanic()
					m.logger.Error("state listener panicked", "state", s, "panic", r)
				}
			}()
			l(s)
		}()
	}
}
