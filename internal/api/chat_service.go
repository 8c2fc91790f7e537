// Package api exposes the sync core to local clients over gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/backend"
	"github.com/matheus3301/farmchat/internal/bus"
	"github.com/matheus3301/farmchat/internal/contact"
	"github.com/matheus3301/farmchat/internal/inbox"
	"github.com/matheus3301/farmchat/internal/room"
	"github.com/matheus3301/farmchat/internal/status"
	chatsync "github.com/matheus3301/farmchat/internal/sync"
)

// ChatService implements ChatServer on top of the inbox, the open rooms and
// the contact resolver.
type ChatService struct {
	sessionName string
	startedAt   time.Time
	inbox       *inbox.Engine
	rooms       *room.Registry
	resolver    contact.Resolver
	creds       auth.Provider
	bus         *bus.Bus
	logger      *zap.Logger

	// ctx outlives requests; the background inbox refresh runs on it.
	ctx      context.Context
	cancel   context.CancelFunc
	loadOnce sync.Once
}

// NewChatService creates the service.
func NewChatService(sessionName string, in *inbox.Engine, rooms *room.Registry, resolver contact.Resolver, creds auth.Provider, b *bus.Bus, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		inbox:       in,
		rooms:       rooms,
		resolver:    resolver,
		creds:       creds,
		bus:         b,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close cancels background work started by requests and ends open event
// streams.
func (s *ChatService) Close() {
	s.cancel()
}

func (s *ChatService) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:  s.sessionName,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Open:     []string{},
		Inbox:    s.inbox.Snapshot().State,
	}
	if token, err := s.creds.Token(); err == nil {
		resp.Authenticated = true
		resp.UserID = auth.UserID(token)
	}
	for _, k := range s.rooms.Keys() {
		resp.Open = append(resp.Open, k.String())
	}
	return resp, nil
}

// ListConversations paints the list on the first call and revalidates it
// in the background. Refresh waits for a fresh fetch instead.
func (s *ChatService) ListConversations(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	var view inbox.View
	first := false
	s.loadOnce.Do(func() {
		first = true
		view = s.inbox.Load(s.ctx)
	})
	if !first {
		if req.Refresh {
			if err := s.inbox.Refresh(ctx); err != nil {
				s.logger.Warn("inbox refresh failed", zap.Error(err))
			}
		}
		view = s.inbox.Snapshot()
	}
	view.Summaries = inbox.Filter(view.Summaries, req.Query)
	return &ListResponse{View: view, Query: req.Query}, nil
}

func (s *ChatService) OpenConversation(_ context.Context, req *KeyRequest) (*ConversationResponse, error) {
	key, err := req.Key()
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	r, opened := s.rooms.Open(key)
	if opened {
		s.logger.Info("conversation mounted", zap.String("conversation", key.String()))
	}
	s.inbox.MarkRead(key.CounterpartID)
	return &ConversationResponse{Snapshot: r.Snapshot()}, nil
}

func (s *ChatService) GetConversation(_ context.Context, req *KeyRequest) (*ConversationResponse, error) {
	r, err := s.room(req)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Snapshot: r.Snapshot()}, nil
}

// ReloadConversation refetches the history. A conversation whose channel
// gave up is mounted again, which also reconnects it.
func (s *ChatService) ReloadConversation(ctx context.Context, req *KeyRequest) (*ConversationResponse, error) {
	r, err := s.room(req)
	if err != nil {
		return nil, err
	}
	if r.Snapshot().Channel == status.Error {
		r = s.rooms.Reopen(r.Key())
		s.logger.Info("conversation remounted", zap.String("conversation", r.Key().String()))
		select {
		case <-r.Loaded():
		case <-ctx.Done():
			return nil, grpcstatus.FromContextError(ctx.Err()).Err()
		}
	} else if err := r.Reload(ctx); err != nil {
		if backend.IsUnauthorized(err) {
			return nil, grpcstatus.Error(codes.Unauthenticated, err.Error())
		}
		s.logger.Warn("conversation reload failed", zap.String("conversation", r.Key().String()), zap.Error(err))
	}
	return &ConversationResponse{Snapshot: r.Snapshot()}, nil
}

func (s *ChatService) SendText(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	r, err := s.room(&req.KeyRequest)
	if err != nil {
		return nil, err
	}
	msg, err := r.Send(ctx, req.Text)
	switch {
	case errors.Is(err, chatsync.ErrEmptyMessage), errors.Is(err, chatsync.ErrMessageTooLong):
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chatsync.ErrClosed):
		return nil, grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return &SendResponse{Message: msg, Error: err.Error()}, nil
	}
	return &SendResponse{Message: msg}, nil
}

func (s *ChatService) Keystroke(_ context.Context, req *KeyRequest) (*Empty, error) {
	r, err := s.room(req)
	if err != nil {
		return nil, err
	}
	r.Keystroke()
	return &Empty{}, nil
}

func (s *ChatService) CloseConversation(_ context.Context, req *KeyRequest) (*CloseResponse, error) {
	key, err := req.Key()
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return &CloseResponse{Closed: s.rooms.Close(key)}, nil
}

func (s *ChatService) ResolveContact(_ context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	h, ok := s.resolver.Resolve(req.Phone, req.Locale)
	if !ok {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%q is not a valid phone number", req.Phone)
	}
	return &ResolveResponse{Handoff: h}, nil
}

func (s *ChatService) WatchEvents(req *WatchRequest, stream EventSender) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("skip unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(&Event{
				EventID:          uuid.New().String(),
				Session:          s.sessionName,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *ChatService) room(req *KeyRequest) (*room.Room, error) {
	key, err := req.Key()
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	r, ok := s.rooms.Get(key)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q is not open", key.String())
	}
	return r, nil
}
