// Package daemon assembles chatd: the cache, the engines and the local gRPC
// server of one session.
package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/farmchat/internal/api"
	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/backend"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/cache"
	"github.com/matheus3301/farmchat/internal/channel"
	"github.com/matheus3301/farmchat/internal/config"
	"github.com/matheus3301/farmchat/internal/contact"
	"github.com/matheus3301/farmchat/internal/eventloop"
	"github.com/matheus3301/farmchat/internal/inbox"
	"github.com/matheus3301/farmchat/internal/lock"
	"github.com/matheus3301/farmchat/internal/logging"
	"github.com/matheus3301/farmchat/internal/presence"
	"github.com/matheus3301/farmchat/internal/room"
	"github.com/matheus3301/farmchat/internal/session"
	"github.com/matheus3301/farmchat/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
	LogLevel    string
	Quiet       bool // no log copy on stderr
}

// inboxLoop is the event loop the inbox engine runs on.
type inboxLoop struct {
	*eventloop.Loop
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideCache,
			provideCredentials,
			provideBackend,
			provideInboxLoop,
			provideInbox,
			provideRooms,
			provideResolver,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.Options{Level: p.LogLevel, Quiet: p.Quiet})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens cache.db. It takes the lock so that no second daemon
// opens the file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if n, err := db.PruneBefore(time.Now().Add(-cache.MessagesTTL)); err != nil {
		logger.Warn("prune expired cache entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("pruned expired cache entries", zap.Int64("count", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(db *store.DB, logger *zap.Logger) *cache.Cache {
	return cache.New(db, logger)
}

func provideCredentials(p Params, logger *zap.Logger) auth.Provider {
	if f := p.Config.Auth.TokenFile; f != "" {
		logger.Info("reading token from file", zap.String("path", f))
		return auth.NewFile(f)
	}
	return auth.NewStatic(p.Config.Auth.Token)
}

func provideBackend(p Params, creds auth.Provider, logger *zap.Logger) *backend.Client {
	return backend.New(p.Config.Backend.BaseURL, creds,
		backend.WithTimeout(p.Config.Backend.Timeout.Duration),
		backend.WithLogger(logger),
	)
}

func provideInboxLoop(logger *zap.Logger) inboxLoop {
	return inboxLoop{eventloop.New(logger.Named("inbox"))}
}

func provideInbox(l inboxLoop, be *backend.Client, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *inbox.Engine {
	return inbox.New(be, c, l.Loop, b, logger.Named("inbox"))
}

func provideRooms(p Params, be *backend.Client, c *cache.Cache, creds auth.Provider, b *bus.Bus, logger *zap.Logger) *room.Registry {
	cfg := p.Config
	return room.NewRegistry(room.Deps{
		API:    be,
		Cache:  c,
		Creds:  creds,
		Bus:    b,
		Logger: logger.Named("room"),
		Channel: channel.Config{
			URL:              cfg.ChannelURL(),
			MaxAttempts:      cfg.Channel.MaxAttempts,
			RetryDelay:       cfg.Channel.RetryDelay.Duration,
			HandshakeTimeout: cfg.Channel.HandshakeTimeout.Duration,
			PingInterval:     cfg.Channel.PingInterval.Duration,
		},
		Typing: presence.Config{
			Idle:     cfg.Typing.Idle.Duration,
			Fallback: cfg.Typing.Fallback.Duration,
		},
	})
}

func provideResolver(p Params) contact.Resolver {
	locale := p.Config.Contact.Locale
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	return contact.Resolver{Locale: locale, DefaultRegion: p.Config.Contact.DefaultRegion}
}

func provideChatService(p Params, in *inbox.Engine, rooms *room.Registry, resolver contact.Resolver, creds auth.Provider, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(p.SessionName, in, rooms, resolver, creds, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, loop inboxLoop, in *inbox.Engine, rooms *room.Registry, svc *api.ChatService, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Follow message events from rooms into the inbox.
			in.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.Close()
			srv.Stop(ctx)
			rooms.CloseAll()
			in.Close()
			loop.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
