// Package channel owns the push channel of one conversation: the WebSocket
// handshake, the bounded reconnect budget, and dispatch of inbound frames to
// subscribers on the conversation's event loop.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/backend"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/eventloop"
	"github.com/matheus3301/farmchat/internal/status"
)

const (
	DefaultMaxAttempts      = 5
	DefaultRetryDelay       = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 25 * time.Second

	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
	outboxSize   = 64
)

// Config configures a Manager.
type Config struct {
	URL string
	// MaxAttempts is the number of consecutive failed handshakes tolerated
	// before the channel settles in the error state.
	MaxAttempts      int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	// PingInterval is the heartbeat period. Negative disables the heartbeat.
	PingInterval time.Duration
	HTTPClient   *http.Client
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// Handlers receive channel events. All of them run on the event loop.
// Nil handlers are skipped.
type Handlers struct {
	OnMessage     func(chat.Message)
	OnTypingStart func(from string)
	OnTypingStop  func(from string)
	OnUserStatus  func(UserStatus)
	OnStateChange func(status.Change)
}

type subscriber struct {
	id int
	h  Handlers
}

// permanentError is a handshake or protocol failure that must not be
// retried.
type permanentError struct {
	reason string
}

func (e *permanentError) Error() string { return e.reason }

// Manager is the push channel of one conversation.
type Manager struct {
	key     chat.ConversationKey
	cfg     Config
	creds   auth.Provider
	loop    *eventloop.Loop
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Loop-only.
	subs    []subscriber
	nextSub int
	out     chan []byte
	closed  bool
}

// New creates a Manager for key. Nothing touches the network until Start.
func New(key chat.ConversationKey, cfg Config, creds auth.Provider, loop *eventloop.Loop, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.defaults()
	return &Manager{
		key:     key,
		cfg:     cfg,
		creds:   creds,
		loop:    loop,
		machine: status.NewMachine(b, key.String()),
		logger:  logger.With(zap.String("conversation", key.String())),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Reason returns why the channel is in the error state.
func (m *Manager) Reason() string {
	return m.machine.Reason()
}

// Subscribe registers h and returns a function that removes it. Both take
// effect in loop order, so a subscription made before Start sees every
// event. Safe from any goroutine.
func (m *Manager) Subscribe(h Handlers) func() {
	idc := make(chan int, 1)
	m.loop.Post(func() {
		if m.closed {
			idc <- -1
			return
		}
		id := m.nextSub
		m.nextSub++
		m.subs = append(m.subs, subscriber{id: id, h: h})
		idc <- id
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.loop.Post(func() {
				var id int
				select {
				case id = <-idc:
				default:
					return
				}
				for i, s := range m.subs {
					if s.id == id {
						m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
						return
					}
				}
			})
		})
	}
}

// Start begins connecting in the background. Without a valid credential
// the channel stays disconnected and the network is never touched. Calling
// Start more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	if m.key.CounterpartID == "" {
		m.logger.Warn("push channel not started: no counterpart")
		return
	}
	if _, err := m.creds.Token(); err != nil {
		m.logger.Info("push channel not started: no credential", zap.Error(err))
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Close releases every subscription and closes the socket. Nothing is
// delivered after Close returns its loop task. Safe from any goroutine,
// including loop tasks.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		m.loop.Post(func() {
			m.closed = true
			m.subs = nil
			m.out = nil
			if m.machine.Current() != status.Disconnected {
				if _, err := m.machine.Transition(status.Disconnected); err != nil {
					m.logger.Warn("state transition failed", zap.Error(err))
				}
			}
		})
		m.wg.Wait()
	})
}

// TypingStart tells the counterpart the local user is typing. Loop-only.
func (m *Manager) TypingStart() bool {
	return m.emit(CmdTypingStart, toPayload{To: m.key.CounterpartID})
}

// TypingStop clears the local user's typing indicator. Loop-only.
func (m *Manager) TypingStop() bool {
	return m.emit(CmdTypingStop, toPayload{To: m.key.CounterpartID})
}

// RequestStatus asks the server for userID's presence. Loop-only.
func (m *Manager) RequestStatus(userID string) bool {
	return m.emit(CmdGetUserStatus, userPayload{UserID: userID})
}

// emit queues a frame on the live connection. Frames emitted while not
// connected are dropped; typing and status requests are only meaningful
// on a live channel.
func (m *Manager) emit(kind string, payload any) bool {
	if m.closed || m.out == nil {
		m.logger.Debug("dropping frame, channel not connected", zap.String("type", kind))
		return false
	}
	data, err := json.Marshal(command{Type: kind, Payload: payload})
	if err != nil {
		m.logger.Error("encode frame", zap.String("type", kind), zap.Error(err))
		return false
	}
	select {
	case m.out <- data:
		return true
	default:
		m.logger.Warn("outgoing queue full, dropping frame", zap.String("type", kind))
		return false
	}
}

// setState runs on the loop.
func (m *Manager) setState(to status.State, reason string) {
	if m.closed || m.machine.Current() == to {
		return
	}
	var (
		change status.Change
		err    error
	)
	if to == status.Error {
		change, err = m.machine.Fail(reason)
	} else {
		change, err = m.machine.Transition(to)
	}
	if err != nil {
		m.logger.Warn("state transition failed", zap.Error(err))
		return
	}
	m.logger.Info("push channel state changed",
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("reason", change.Reason),
	)
	for _, s := range m.subs {
		if s.h.OnStateChange != nil {
			s.h.OnStateChange(change)
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	failures := 0
	for {
		m.loop.Post(func() { m.setState(status.Connecting, "") })

		conn, err := m.connect(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "closing")
			}
			return
		}
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				m.loop.Post(func() { m.setState(status.Error, perm.reason) })
				return
			}
			failures++
			m.logger.Warn("push channel handshake failed",
				zap.Int("attempt", failures),
				zap.Int("max_attempts", m.cfg.MaxAttempts),
				zap.Error(err),
			)
			if failures >= m.cfg.MaxAttempts {
				reason := fmt.Sprintf("could not connect after %d attempts: %v", failures, err)
				m.loop.Post(func() { m.setState(status.Error, reason) })
				return
			}
			if !sleep(ctx, m.cfg.RetryDelay) {
				return
			}
			continue
		}

		failures = 0
		out := make(chan []byte, outboxSize)
		m.loop.Post(func() {
			if m.closed {
				return
			}
			m.out = out
			// The join goes out before subscribers learn about the
			// connection, so it precedes anything they emit.
			m.emit(CmdJoin, joinPayload{CounterpartID: m.key.CounterpartID, ListingID: m.key.ListingID})
			m.setState(status.Connected, "")
		})

		err = m.serve(ctx, conn, out)
		if ctx.Err() != nil {
			return
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			m.loop.Post(func() {
				m.out = nil
				m.setState(status.Error, perm.reason)
			})
			return
		}
		m.logger.Warn("push channel dropped", zap.Error(err))
		m.loop.Post(func() {
			m.out = nil
			m.setState(status.Disconnected, "")
		})
		if !sleep(ctx, m.cfg.RetryDelay) {
			return
		}
	}
}

// connect dials and waits for the server's connected frame.
func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.creds.Token()
	if err != nil {
		return nil, &permanentError{reason: "credential no longer valid"}
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, m.cfg.URL, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &permanentError{reason: fmt.Sprintf("handshake rejected: %s", resp.Status)}
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("read handshake frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusProtocolError, "malformed frame")
		return nil, &permanentError{reason: "malformed handshake frame"}
	}
	switch env.Type {
	case EventConnected:
		return conn, nil
	case EventError:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &permanentError{reason: errorReason(env.Payload)}
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, &permanentError{reason: fmt.Sprintf("unexpected handshake frame %q", env.Type)}
	}
}

// serve pumps frames until the connection drops or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				errc <- fmt.Errorf("read: %w", err)
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				m.logger.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			if env.Type == EventError {
				errc <- &permanentError{reason: errorReason(env.Payload)}
				return
			}
			m.loop.Post(func() { m.dispatch(env) })
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-out:
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					errc <- fmt.Errorf("write: %w", err)
					return
				}
			}
		}
	}()

	if m.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(m.cfg.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pctx, pcancel := context.WithTimeout(ctx, m.cfg.PingInterval)
					err := conn.Ping(pctx)
					pcancel()
					if err != nil && ctx.Err() == nil {
						errc <- fmt.Errorf("heartbeat: %w", err)
						return
					}
				}
			}
		}()
	}

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	return err
}

// dispatch runs on the loop.
func (m *Manager) dispatch(env Envelope) {
	if m.closed {
		return
	}
	switch env.Type {
	case EventNewMessage:
		var w backend.WireMessage
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			m.logger.Warn("skipping malformed message push", zap.Error(err))
			return
		}
		msg := w.ToChat(m.key)
		for _, s := range m.subs {
			if s.h.OnMessage != nil {
				s.h.OnMessage(msg)
			}
		}
	case EventTypingOn, EventTypingOff:
		// A bare typing frame is scoped by the joined room.
		var p typingPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				m.logger.Warn("skipping malformed typing push", zap.Error(err))
				return
			}
		}
		from := p.sender()
		for _, s := range m.subs {
			if env.Type == EventTypingOn && s.h.OnTypingStart != nil {
				s.h.OnTypingStart(from)
			}
			if env.Type == EventTypingOff && s.h.OnTypingStop != nil {
				s.h.OnTypingStop(from)
			}
		}
	case EventUserStatus:
		var st UserStatus
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			m.logger.Warn("skipping malformed status push", zap.Error(err))
			return
		}
		for _, s := range m.subs {
			if s.h.OnUserStatus != nil {
				s.h.OnUserStatus(st)
			}
		}
	default:
		m.logger.Debug("ignoring frame", zap.String("type", env.Type))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
