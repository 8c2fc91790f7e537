package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/farmchat/internal/chat"
	"go.uber.org/zap"
)

const (
	// RecentKey holds the recent conversations list.
	RecentKey = "recentConversations"

	MessagesTTL = time.Hour
	RecentTTL   = 5 * time.Minute
)

// MessagesKey returns the cache key for one conversation's messages.
func MessagesKey(k chat.ConversationKey) string {
	return "messages:" + k.String()
}

// entry is the stored envelope. StoredAt is unix milliseconds.
type entry struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt int64           `json:"storedAt"`
}

// Cache stores JSON payloads with their write time and hides entries older
// than the TTL given on read.
type Cache struct {
	kv     KV
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New wraps kv.
func New(kv KV, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{kv: kv, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores v under key, stamped with the current time.
func (c *Cache) Put(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	raw, err := json.Marshal(entry{Payload: payload, StoredAt: c.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := c.kv.Set(key, raw); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Get decodes the entry under key into out and reports whether it was
// usable. Missing, expired and corrupt entries all read as a miss; expired
// and corrupt ones are purged.
func (c *Cache) Get(key string, ttl time.Duration, out any) bool {
	raw, ok, err := c.kv.Get(key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.purge(key)
		return false
	}
	if c.now().UnixMilli()-e.StoredAt >= ttl.Milliseconds() {
		c.purge(key)
		return false
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		c.logger.Warn("corrupt cache payload", zap.String("key", key), zap.Error(err))
		c.purge(key)
		return false
	}
	return true
}

func (c *Cache) purge(key string) {
	if err := c.kv.Delete(key); err != nil {
		c.logger.Warn("cache purge failed", zap.String("key", key), zap.Error(err))
	}
}
