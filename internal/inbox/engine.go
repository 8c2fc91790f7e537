// Package inbox keeps the list of recent conversations: painted from the
// cache, revalidated against the backend, and kept current by message
// events from open conversations.
package inbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/cache"
	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/eventloop"
)

// API is the part of the backend the engine needs.
type API interface {
	Recent(ctx context.Context) ([]chat.Summary, error)
}

// View is what a client renders for the list.
type View struct {
	Summaries []chat.Summary `json:"summaries"`
	State     chat.ViewState `json:"state"`
	Loading   bool           `json:"loading"`
	Error     string         `json:"error,omitempty"`
}

// Engine owns the conversation list. Its state lives on loop.
type Engine struct {
	api    API
	cache  *cache.Cache
	loop   *eventloop.Loop
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Loop-only.
	rows    []chat.Summary
	state   chat.ViewState
	loading bool
	lastErr string
	painted bool
}

// New creates an engine.
func New(api API, c *cache.Cache, loop *eventloop.Loop, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		api:    api,
		cache:  c,
		loop:   loop,
		bus:    b,
		logger: logger,
		state:  chat.ViewLoading,
	}
}

// Load paints the cached list and returns it, then revalidates in the
// background. Later calls skip the cache and only revalidate.
func (e *Engine) Load(ctx context.Context) View {
	var v View
	_ = e.loop.Do(func() {
		e.paint()
		e.loading = true
		v = e.view()
	})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("background refresh failed", zap.Error(err))
		}
	}()
	return v
}

func (e *Engine) paint() {
	if e.painted {
		return
	}
	e.painted = true
	var rows []chat.Summary
	if e.cache.Get(cache.RecentKey, cache.RecentTTL, &rows) {
		e.rows = rows
	}
	if len(e.rows) > 0 {
		// Cached rows on screen until the first refresh lands.
		e.state = chat.ViewDegraded
	}
}

// Refresh fetches the list and waits for it. On failure the current rows
// stay and the state becomes degraded, or failed when there are none.
func (e *Engine) Refresh(ctx context.Context) error {
	_ = e.loop.Do(func() { e.loading = true })

	rows, fetchErr := e.api.Recent(ctx)

	var result error
	err := e.loop.Do(func() {
		e.loading = false
		switch {
		case errors.Is(fetchErr, auth.ErrNoCredential):
			e.logger.Info("no credential, showing cached conversations only")
			e.state = chat.ViewReady
			e.lastErr = ""
		case fetchErr != nil:
			e.lastErr = fetchErr.Error()
			if len(e.rows) > 0 {
				e.state = chat.ViewDegraded
			} else {
				e.state = chat.ViewFailed
			}
			e.bus.Emit(bus.KindInboxStale, chat.ViewEvent{Scope: "inbox", State: e.state, Error: e.lastErr})
			result = fetchErr
		default:
			e.rows = mergeUnread(rows, e.rows)
			e.state = chat.ViewReady
			e.lastErr = ""
			e.persist()
			e.bus.Emit(bus.KindInboxRefreshed, chat.ViewEvent{Scope: "inbox", State: e.state})
		}
	})
	if err != nil {
		return err
	}
	return result
}

// mergeUnread carries local unread markers over to a fresh server list.
func mergeUnread(fresh, prev []chat.Summary) []chat.Summary {
	unread := make(map[chat.ConversationKey]bool)
	for _, r := range prev {
		if r.Unread {
			unread[r.Key()] = true
		}
	}
	for i := range fresh {
		if unread[fresh[i].Key()] {
			fresh[i].Unread = true
		}
	}
	return fresh
}

// Snapshot returns a copy of the current view.
func (e *Engine) Snapshot() View {
	v := View{State: chat.ViewLoading}
	_ = e.loop.Do(func() { v = e.view() })
	return v
}

// Filter returns the rows matching query without touching the network.
func (e *Engine) Filter(query string) []chat.Summary {
	return Filter(e.Snapshot().Summaries, query)
}

// Filter keeps the rows whose counterpart name or last message contains
// query, ignoring case. An empty query keeps everything.
func Filter(rows []chat.Summary, query string) []chat.Summary {
	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(query))
	if q == "" {
		return slices.Clone(rows)
	}
	var out []chat.Summary
	for _, r := range rows {
		if strings.Contains(fold.String(r.CounterpartName), q) || strings.Contains(fold.String(r.LastMessage), q) {
			out = append(out, r)
		}
	}
	return out
}

// Start follows message events from open conversations until ctx is done
// or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("message.", 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind != bus.KindMessageAppended {
					continue
				}
				me, ok := evt.Payload.(chat.MessageEvent)
				if !ok {
					continue
				}
				e.loop.Post(func() { e.apply(me) })
			case <-ctx.Done():
				return
			}
		}
	}()
}

// apply moves the conversation to the top with its newest message.
func (e *Engine) apply(me chat.MessageEvent) {
	idx := slices.IndexFunc(e.rows, func(r chat.Summary) bool { return r.Key() == me.Key })
	var row chat.Summary
	if idx >= 0 {
		row = e.rows[idx]
		e.rows = slices.Delete(e.rows, idx, idx+1)
	} else {
		row = chat.Summary{
			ID:              me.Key.CounterpartID,
			CounterpartName: me.Counterpart.Name,
			Counterpart:     me.Counterpart,
			ListingID:       me.Key.ListingID,
		}
	}
	row.LastMessage = me.Message.Text
	row.LastMessageAt = me.Message.CreatedAt
	if me.Message.Direction == chat.Theirs {
		row.Unread = true
	}
	e.rows = slices.Insert(e.rows, 0, row)
	e.persist()
}

// MarkRead clears the unread marker of every conversation with
// counterpartID.
func (e *Engine) MarkRead(counterpartID string) {
	_ = e.loop.Do(func() {
		changed := false
		for i := range e.rows {
			if e.rows[i].Key().CounterpartID == counterpartID && e.rows[i].Unread {
				e.rows[i].Unread = false
				changed = true
			}
		}
		if changed {
			e.persist()
		}
	})
}

// Close stops following events and waits for background work.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) view() View {
	return View{
		Summaries: slices.Clone(e.rows),
		State:     e.state,
		Loading:   e.loading,
		Error:     e.lastErr,
	}
}

func (e *Engine) persist() {
	_ = e.cache.Put(cache.RecentKey, e.rows)
}
