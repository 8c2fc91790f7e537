// Package presence debounces outgoing typing signals and tracks the
// counterpart's typing indicator and online status.
package presence

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/channel"
	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/eventloop"
)

const (
	DefaultIdle     = 1500 * time.Millisecond
	DefaultFallback = 3 * time.Second
)

// Emitter sends presence frames. *channel.Manager implements it.
type Emitter interface {
	TypingStart() bool
	TypingStop() bool
	RequestStatus(userID string) bool
}

// Config holds the coordinator timers.
type Config struct {
	// Idle is how long after the last keystroke typing_stop is sent.
	Idle time.Duration
	// Fallback clears an incoming typing indicator that never got its stop.
	Fallback time.Duration
}

func (c *Config) defaults() {
	if c.Idle <= 0 {
		c.Idle = DefaultIdle
	}
	if c.Fallback <= 0 {
		c.Fallback = DefaultFallback
	}
}

// Snapshot is the presence state of the counterpart.
type Snapshot struct {
	Typing   chat.Typing   `json:"typing"`
	Presence chat.Presence `json:"presence"`
}

// TypingChange is published on the bus as presence.typing.
type TypingChange struct {
	Scope    string `json:"scope"`
	IsTyping bool   `json:"isTyping"`
}

// StatusChange is published on the bus as presence.status.
type StatusChange struct {
	Scope    string        `json:"scope"`
	Presence chat.Presence `json:"presence"`
}

// Coordinator belongs to one conversation. Every method must run on the
// conversation's event loop.
type Coordinator struct {
	scope         string
	counterpartID string
	cfg           Config
	loop          *eventloop.Loop
	emitter       Emitter
	bus           *bus.Bus
	logger        *zap.Logger

	typing      chat.Typing
	presence    chat.Presence
	localTyping bool
	idle        *eventloop.Timer
	fallback    *eventloop.Timer
	closed      bool
}

// New creates a coordinator for the conversation keyed by key.
func New(key chat.ConversationKey, cfg Config, loop *eventloop.Loop, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.defaults()
	return &Coordinator{
		scope:         key.String(),
		counterpartID: key.CounterpartID,
		cfg:           cfg,
		loop:          loop,
		emitter:       emitter,
		bus:           b,
		logger:        logger,
	}
}

// Keystroke signals local typing and re-arms the idle timer.
func (c *Coordinator) Keystroke() {
	if c.closed {
		return
	}
	c.emitter.TypingStart()
	c.localTyping = true
	c.idle.Stop()
	c.idle = c.loop.AfterFunc(c.cfg.Idle, c.stopLocal)
}

func (c *Coordinator) stopLocal() {
	c.idle = nil
	if !c.localTyping || c.closed {
		return
	}
	c.localTyping = false
	c.emitter.TypingStop()
}

// Mount requests the counterpart's current status. It is also called on
// every reconnect so the status is fresh after a drop.
func (c *Coordinator) Mount() {
	if c.closed {
		return
	}
	c.emitter.RequestStatus(c.counterpartID)
}

// TypingStarted handles an incoming typing_start.
func (c *Coordinator) TypingStarted(from string) {
	if c.closed || !c.fromCounterpart(from) {
		return
	}
	c.fallback.Stop()
	c.fallback = c.loop.AfterFunc(c.cfg.Fallback, func() {
		c.fallback = nil
		c.setTyping(false)
	})
	c.setTyping(true)
}

// TypingStopped handles an incoming typing_stop.
func (c *Coordinator) TypingStopped(from string) {
	if c.closed || !c.fromCounterpart(from) {
		return
	}
	c.fallback.Stop()
	c.fallback = nil
	c.setTyping(false)
}

// StatusReceived handles a user_status push.
func (c *Coordinator) StatusReceived(st channel.UserStatus) {
	if c.closed || !c.fromCounterpart(st.UserID) {
		return
	}
	c.presence = chat.Presence{Online: st.Online, LastSeenAt: st.LastSeen}
	c.bus.Emit(bus.KindUserStatus, StatusChange{Scope: c.scope, Presence: c.presence})
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	return Snapshot{Typing: c.typing, Presence: c.presence}
}

// Close stops the timers. A pending local typing indicator is cleared on
// the server first.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	if c.localTyping {
		c.localTyping = false
		c.emitter.TypingStop()
	}
	c.idle.Stop()
	c.fallback.Stop()
	c.closed = true
}

func (c *Coordinator) setTyping(on bool) {
	if c.closed || c.typing.IsTyping == on {
		return
	}
	c.typing.IsTyping = on
	c.logger.Debug("counterpart typing changed", zap.Bool("typing", on))
	c.bus.Emit(bus.KindTyping, TypingChange{Scope: c.scope, IsTyping: on})
}

// fromCounterpart accepts events without a sender; the channel is already
// scoped to the conversation.
func (c *Coordinator) fromCounterpart(id string) bool {
	return id == "" || id == c.counterpartID
}
