// Package room mounts a conversation: one event loop shared by the message
// engine, the push channel and the presence coordinator.
package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/cache"
	"github.com/matheus3301/farmchat/internal/channel"
	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/eventloop"
	"github.com/matheus3301/farmchat/internal/presence"
	"github.com/matheus3301/farmchat/internal/status"
	chatsync "github.com/matheus3301/farmchat/internal/sync"
)

// Deps are shared by every room.
type Deps struct {
	API     chatsync.API
	Cache   *cache.Cache
	Creds   auth.Provider
	Bus     *bus.Bus
	Logger  *zap.Logger
	Channel channel.Config
	Typing  presence.Config
	// SelfID overrides the user id read from the token's claims.
	SelfID string
}

// Snapshot is everything a client renders for an open conversation.
type Snapshot struct {
	chatsync.View
	Typing        chat.Typing   `json:"typing"`
	Presence      chat.Presence `json:"presence"`
	Channel       status.State  `json:"channel"`
	ChannelReason string        `json:"channelReason,omitempty"`
}

// Room is one mounted conversation.
type Room struct {
	key      chat.ConversationKey
	loop     *eventloop.Loop
	engine   *chatsync.Engine
	channel  *channel.Manager
	presence *presence.Coordinator
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	unsub     func()
	closeOnce sync.Once
	loaded    chan struct{}
}

// Open mounts key: the cache is painted before Open returns, then the
// history fetch and the push channel start in the background. ctx bounds
// the room's lifetime; Close ends it earlier.
func Open(ctx context.Context, key chat.ConversationKey, d Deps) *Room {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("conversation", key.String()))

	selfID := d.SelfID
	if selfID == "" {
		if token, err := d.Creds.Token(); err == nil {
			selfID = auth.UserID(token)
		}
	}

	loop := eventloop.New(logger)
	r := &Room{
		key:    key,
		loop:   loop,
		logger: logger,
		loaded: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.engine = chatsync.NewEngine(key, d.API, d.Cache, loop, d.Bus, logger, chatsync.WithSelfID(selfID))
	r.channel = channel.New(key, d.Channel, d.Creds, loop, d.Bus, logger)
	r.presence = presence.New(key, d.Typing, loop, r.channel, d.Bus, logger)

	r.unsub = r.channel.Subscribe(channel.Handlers{
		OnMessage:     r.engine.ReceivePush,
		OnTypingStart: r.presence.TypingStarted,
		OnTypingStop:  r.presence.TypingStopped,
		OnUserStatus:  r.presence.StatusReceived,
		OnStateChange: func(c status.Change) {
			if c.To == status.Connected {
				r.presence.Mount()
			}
		},
	})

	if err := r.engine.Paint(); err != nil {
		logger.Warn("paint cached messages", zap.Error(err))
	}
	go func() {
		defer close(r.loaded)
		if err := r.engine.Load(r.ctx); err != nil {
			logger.Warn("load conversation", zap.Error(err))
		}
	}()
	r.channel.Start(r.ctx)

	logger.Info("conversation opened")
	return r
}

// Key returns the conversation key.
func (r *Room) Key() chat.ConversationKey { return r.key }

// Loaded is closed once the first history fetch has finished.
func (r *Room) Loaded() <-chan struct{} { return r.loaded }

// Send sends text; see sync.Engine.Send. The call is cancelled if the room
// closes first.
func (r *Room) Send(ctx context.Context, text string) (chat.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()
	return r.engine.Send(ctx, text)
}

// Reload refetches the history. The fetch error is returned as well as
// reflected in the view state.
func (r *Room) Reload(ctx context.Context) error {
	return r.engine.Load(ctx)
}

// Keystroke reports local typing.
func (r *Room) Keystroke() {
	r.loop.Post(r.presence.Keystroke)
}

// Snapshot returns the current state of the conversation.
func (r *Room) Snapshot() Snapshot {
	s := Snapshot{View: r.engine.Snapshot()}
	_ = r.loop.Do(func() {
		p := r.presence.Snapshot()
		s.Typing = p.Typing
		s.Presence = p.Presence
	})
	s.Channel = r.channel.State()
	s.ChannelReason = r.channel.Reason()
	return s
}

// Close unmounts the conversation: in-flight calls are cancelled, their
// continuations discarded, the channel closed and the loop stopped.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.engine.Close()
		r.loop.Post(r.presence.Close)
		r.unsub()
		r.channel.Close()
		<-r.loaded
		_ = r.loop.Do(func() {})
		r.loop.Close()
		r.logger.Info("conversation closed")
	})
}
