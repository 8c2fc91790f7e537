package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/cache"
	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/eventloop"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("conversation closed")

// API is the part of the backend the engine needs.
type API interface {
	History(ctx context.Context, key chat.ConversationKey) (chat.History, error)
	Send(ctx context.Context, key chat.ConversationKey, text, tempID string) (chat.Message, error)
}

// View is what a client renders for one conversation.
type View struct {
	Key         chat.ConversationKey `json:"key"`
	Counterpart chat.Counterpart     `json:"counterpart"`
	Messages    []chat.Message       `json:"messages"`
	State       chat.ViewState       `json:"state"`
	Loading     bool                 `json:"loading"`
	Error       string               `json:"error,omitempty"`
}

// cached is the payload stored under messages:<key>.
type cached struct {
	Messages    []chat.Message   `json:"messages"`
	Counterpart chat.Counterpart `json:"counterpart"`
}

// Engine owns the message list of one conversation. Loads, sends and
// pushes all mutate it on the conversation's event loop, in arrival order.
type Engine struct {
	key    chat.ConversationKey
	api    API
	cache  *cache.Cache
	loop   *eventloop.Loop
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	now    func() time.Time
	newID  func() string

	// Loop-only.
	messages    []chat.Message
	counterpart chat.Counterpart
	state       chat.ViewState
	loading     bool
	lastErr     string
	closed      bool
	painted     bool
	// fresh holds ids and temp ids appended since the cache was painted.
	fresh map[string]bool
}

type Option func(*Engine)

// WithSelfID sets the sender id stamped on optimistic entries.
func WithSelfID(id string) Option {
	return func(e *Engine) { e.selfID = id }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the temp id source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an engine for key.
func NewEngine(key chat.ConversationKey, api API, c *cache.Cache, loop *eventloop.Loop, b *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		key:         key,
		api:         api,
		cache:       c,
		loop:        loop,
		bus:         b,
		logger:      logger.With(zap.String("conversation", key.String())),
		now:         time.Now,
		newID:       uuid.NewString,
		state:       chat.ViewLoading,
		counterpart: chat.Counterpart{ID: key.CounterpartID},
		fresh:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the conversation key.
func (e *Engine) Key() chat.ConversationKey { return e.key }

// Load paints the cached list, then replaces it with the backend's history.
// A failed fetch keeps whatever is shown; the error is returned for logging
// and reflected in the view state. Without a credential Load stops after
// the cache and returns nil.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.Paint(); err != nil {
		return err
	}

	hist, fetchErr := e.api.History(ctx, e.key)

	var result error
	if err := e.do(func() {
		if e.closed {
			result = ErrClosed
			return
		}
		e.loading = false
		switch {
		case errors.Is(fetchErr, auth.ErrNoCredential):
			e.logger.Info("no credential, showing cached messages only")
			e.state = chat.ViewReady
			e.lastErr = ""
		case fetchErr != nil:
			e.lastErr = fetchErr.Error()
			if len(e.messages) > 0 {
				e.state = chat.ViewDegraded
			} else {
				e.state = chat.ViewFailed
			}
			e.logger.Warn("history refresh failed", zap.Error(fetchErr), zap.String("state", string(e.state)))
			e.bus.Emit(bus.KindConversationStale, e.viewEvent())
			result = fetchErr
		default:
			e.replace(hist)
			e.state = chat.ViewReady
			e.lastErr = ""
			e.persist()
			e.bus.Emit(bus.KindConversationReady, e.viewEvent())
		}
	}); err != nil {
		return err
	}
	return result
}

// Paint shows the cached list and marks the view as loading. Load calls it
// first; calling it earlier only makes the cache visible sooner.
func (e *Engine) Paint() error {
	return e.do(e.paintCache)
}

func (e *Engine) paintCache() {
	if e.closed {
		return
	}
	if !e.painted {
		e.painted = true
		var c cached
		if e.cache.Get(cache.MessagesKey(e.key), cache.MessagesTTL, &c) {
			e.messages = c.Messages
			// A pending entry in the cache lost its send with the previous
			// process.
			for i := range e.messages {
				if e.messages[i].DeliveryState == chat.Pending {
					e.messages[i].DeliveryState = chat.Failed
				}
			}
			if c.Counterpart.ID != "" {
				e.counterpart = c.Counterpart
			}
		}
	}
	e.loading = true
	if len(e.messages) > 0 {
		// Cached data on screen while the refresh is pending.
		e.state = chat.ViewDegraded
	} else {
		e.state = chat.ViewLoading
	}
}

// replace installs the server history. Entries the server does not know
// about are kept after it when they are unsent or arrived after the cache
// was painted; stale cached entries are dropped.
func (e *Engine) replace(hist chat.History) {
	next := make([]chat.Message, 0, len(hist.Messages)+1)
	ids := make(map[string]bool, len(hist.Messages))
	temps := make(map[string]bool)
	for _, m := range hist.Messages {
		m = e.tag(m)
		if m.ID != "" {
			if ids[m.ID] {
				continue
			}
			ids[m.ID] = true
		}
		if m.TempID != "" {
			temps[m.TempID] = true
		}
		next = append(next, m)
	}
	for _, m := range e.messages {
		if ids[m.ID] || (m.TempID != "" && (temps[m.TempID] || ids[m.TempID])) {
			continue
		}
		unsent := m.DeliveryState == chat.Pending || m.DeliveryState == chat.Failed
		if !unsent && !e.isFresh(m) {
			continue
		}
		next = append(next, m)
	}
	e.messages = next
	clear(e.fresh)
	if hist.Counterpart.ID != "" || hist.Counterpart.Name != "" {
		e.counterpart = hist.Counterpart
		if e.counterpart.ID == "" {
			e.counterpart.ID = e.key.CounterpartID
		}
	}
}

// tag assigns direction and delivery state to a server record.
func (e *Engine) tag(m chat.Message) chat.Message {
	m.ConversationKey = e.key.String()
	if m.SenderID == e.key.CounterpartID {
		m.Direction = chat.Theirs
		m.DeliveryState = ""
	} else {
		m.Direction = chat.Mine
		m.DeliveryState = chat.Sent
	}
	return m
}

// Send echoes text as a pending entry, then posts it. The returned message
// is the entry as it ended up: sent, or failed alongside the error. Failed
// sends are not retried.
func (e *Engine) Send(ctx context.Context, text string) (chat.Message, error) {
	text, err := ValidateText(text)
	if err != nil {
		return chat.Message{}, err
	}

	tempID := e.newID()
	var pending chat.Message
	var closed bool
	if err := e.do(func() {
		if e.closed {
			closed = true
			return
		}
		pending = chat.Message{
			ID:              tempID,
			TempID:          tempID,
			ConversationKey: e.key.String(),
			SenderID:        e.selfID,
			ReceiverID:      e.key.CounterpartID,
			ListingID:       e.key.ListingID,
			Direction:       chat.Mine,
			Text:            text,
			CreatedAt:       e.now(),
			DeliveryState:   chat.Pending,
		}
		e.messages = append(e.messages, pending)
		e.markFresh(pending)
		e.persist()
		e.publish(bus.KindMessageAppended, pending)
	}); err != nil {
		return chat.Message{}, err
	}
	if closed {
		return chat.Message{}, ErrClosed
	}

	created, sendErr := e.api.Send(ctx, e.key, text, tempID)

	final := pending
	if err := e.do(func() {
		if e.closed {
			closed = true
			return
		}
		idx := e.indexOfTemp(tempID)
		if idx < 0 {
			return
		}
		switch {
		case sendErr != nil && e.messages[idx].DeliveryState == chat.Sent:
			// The push already confirmed it; the HTTP reply was lost.
			sendErr = nil
		case sendErr != nil:
			e.messages[idx].DeliveryState = chat.Failed
			e.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(sendErr))
		default:
			idx = e.acknowledge(idx, tempID, created)
			e.markFresh(e.messages[idx])
			e.logger.Debug("send acknowledged", zap.String("temp_id", tempID), zap.String("id", e.messages[idx].ID))
		}
		final = e.messages[idx]
		e.persist()
		e.publish(bus.KindMessageUpdated, final)
	}); err != nil {
		return final, err
	}
	if closed {
		return final, ErrClosed
	}
	if sendErr != nil {
		final.DeliveryState = chat.Failed
		return final, fmt.Errorf("send message: %w", sendErr)
	}
	return final, nil
}

// acknowledge replaces the entry at idx with the server record. If a push
// for the same server id was appended first, that later duplicate goes.
// Returns the entry's index after the removal.
func (e *Engine) acknowledge(idx int, tempID string, created chat.Message) int {
	prev := e.messages[idx]
	rec := e.tag(created)
	rec.TempID = tempID
	rec.Direction = chat.Mine
	rec.DeliveryState = chat.Sent
	if rec.Text == "" {
		rec.Text = prev.Text
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	if rec.SenderID == "" {
		rec.SenderID = prev.SenderID
	}
	if rec.ReceiverID == "" {
		rec.ReceiverID = prev.ReceiverID
	}
	if rec.ID == "" {
		rec.ID = prev.ID
	}

	if dup := e.indexOfID(rec.ID); dup >= 0 && dup != idx {
		e.messages = slices.Delete(e.messages, dup, dup+1)
		if dup < idx {
			idx--
		}
	}
	e.messages[idx] = rec
	return idx
}

// ReceivePush merges a message delivered by the push channel. It may be
// called from any goroutine; the merge happens on the loop.
func (e *Engine) ReceivePush(msg chat.Message) {
	e.loop.Post(func() { e.receive(msg) })
}

func (e *Engine) receive(msg chat.Message) {
	if e.closed {
		return
	}
	if !e.belongs(msg) {
		e.logger.Debug("ignoring push for another conversation", zap.String("id", msg.ID))
		return
	}
	if msg.ID != "" && e.indexOfID(msg.ID) >= 0 {
		return
	}
	if msg.TempID != "" {
		if idx := e.indexOfTemp(msg.TempID); idx >= 0 {
			// Our own send, pushed back before the HTTP ack.
			cur := e.messages[idx]
			rec := e.tag(msg)
			rec.Direction = chat.Mine
			rec.DeliveryState = chat.Sent
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = cur.CreatedAt
			}
			e.messages[idx] = rec
			e.markFresh(rec)
			e.persist()
			e.publish(bus.KindMessageUpdated, rec)
			return
		}
	}

	msg.ConversationKey = e.key.String()
	if msg.SenderID != "" && msg.SenderID != e.key.CounterpartID {
		msg.Direction = chat.Mine
		msg.DeliveryState = chat.Sent
	} else {
		msg.Direction = chat.Theirs
		msg.DeliveryState = ""
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.now()
	}
	e.messages = append(e.messages, msg)
	e.markFresh(msg)
	e.persist()
	e.publish(bus.KindMessageAppended, msg)
}

// belongs reports whether a push is for this conversation. Pushes without
// participants are trusted; the channel is already scoped.
func (e *Engine) belongs(m chat.Message) bool {
	cp := e.key.CounterpartID
	if m.SenderID != "" || m.ReceiverID != "" {
		if m.SenderID != cp && m.ReceiverID != cp {
			return false
		}
	}
	if m.ListingID != "" && e.key.ListingID != "" && m.ListingID != e.key.ListingID {
		return false
	}
	return true
}

// Snapshot returns a copy of the current view.
func (e *Engine) Snapshot() View {
	v := View{Key: e.key, State: chat.ViewLoading}
	_ = e.do(func() { v = e.view() })
	return v
}

// Close discards every continuation that has not run yet. Safe from any
// goroutine.
func (e *Engine) Close() {
	e.loop.Post(func() { e.closed = true })
}

func (e *Engine) view() View {
	return View{
		Key:         e.key,
		Counterpart: e.counterpart,
		Messages:    slices.Clone(e.messages),
		State:       e.state,
		Loading:     e.loading,
		Error:       e.lastErr,
	}
}

func (e *Engine) viewEvent() chat.ViewEvent {
	return chat.ViewEvent{Scope: e.key.String(), State: e.state, Error: e.lastErr}
}

func (e *Engine) persist() {
	_ = e.cache.Put(cache.MessagesKey(e.key), cached{Messages: e.messages, Counterpart: e.counterpart})
}

func (e *Engine) publish(kind string, m chat.Message) {
	e.bus.Emit(kind, chat.MessageEvent{Key: e.key, Message: m, Counterpart: e.counterpart})
}

func (e *Engine) markFresh(m chat.Message) {
	if m.ID != "" {
		e.fresh[m.ID] = true
	}
	if m.TempID != "" {
		e.fresh[m.TempID] = true
	}
}

func (e *Engine) isFresh(m chat.Message) bool {
	return e.fresh[m.ID] || (m.TempID != "" && e.fresh[m.TempID])
}

func (e *Engine) indexOfID(id string) int {
	return slices.IndexFunc(e.messages, func(m chat.Message) bool { return m.ID == id })
}

func (e *Engine) indexOfTemp(tempID string) int {
	return slices.IndexFunc(e.messages, func(m chat.Message) bool { return m.TempID == tempID })
}

func (e *Engine) do(fn func()) error {
	if err := e.loop.Do(fn); err != nil {
		if errors.Is(err, eventloop.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}
