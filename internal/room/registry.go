package room

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/farmchat/internal/chat"
)

// Registry holds the open rooms, at most one per conversation key.
type Registry struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[chat.ConversationKey]*Room
}

// NewRegistry creates an empty registry.
func NewRegistry(d Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:   d,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[chat.ConversationKey]*Room),
	}
}

// Open returns the room for key, mounting it if needed. opened reports
// whether this call mounted it.
func (g *Registry) Open(key chat.ConversationKey) (r *Room, opened bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[key]; ok {
		return r, false
	}
	r = Open(g.ctx, key, g.deps)
	g.rooms[key] = r
	return r, true
}

// Reopen unmounts key if it is open and mounts it again with a fresh
// channel and history fetch.
func (g *Registry) Reopen(key chat.ConversationKey) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.rooms[key]; ok {
		old.Close()
	}
	r := Open(g.ctx, key, g.deps)
	g.rooms[key] = r
	return r
}

// Get returns the open room for key.
func (g *Registry) Get(key chat.ConversationKey) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[key]
	return r, ok
}

// Close unmounts key. It reports false if key was not open.
func (g *Registry) Close(key chat.ConversationKey) bool {
	g.mu.Lock()
	r, ok := g.rooms[key]
	delete(g.rooms, key)
	g.mu.Unlock()
	if ok {
		r.Close()
	}
	return ok
}

// Keys lists the open conversations in key order.
func (g *Registry) Keys() []chat.ConversationKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]chat.ConversationKey, 0, len(g.rooms))
	for k := range g.rooms {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b chat.ConversationKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// CloseAll unmounts every room.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[chat.ConversationKey]*Room)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close()
		}()
	}
	wg.Wait()
	g.cancel()
}
