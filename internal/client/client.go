// Package client is the chatctl side of the daemon's gRPC service.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/farmchat/internal/api"
	"github.com/matheus3301/farmchat/internal/chat"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return invoke[api.StatusResponse](ctx, c.conn, api.MethodStatus, api.Empty{})
}

func (c *Client) ListConversations(ctx context.Context, query string, refresh bool) (*api.ListResponse, error) {
	return invoke[api.ListResponse](ctx, c.conn, api.MethodListConversations, api.ListRequest{Query: query, Refresh: refresh})
}

func (c *Client) Open(ctx context.Context, key chat.ConversationKey) (*api.ConversationResponse, error) {
	return invoke[api.ConversationResponse](ctx, c.conn, api.MethodOpenConversation, keyRequest(key))
}

func (c *Client) Get(ctx context.Context, key chat.ConversationKey) (*api.ConversationResponse, error) {
	return invoke[api.ConversationResponse](ctx, c.conn, api.MethodGetConversation, keyRequest(key))
}

func (c *Client) Reload(ctx context.Context, key chat.ConversationKey) (*api.ConversationResponse, error) {
	return invoke[api.ConversationResponse](ctx, c.conn, api.MethodReload, keyRequest(key))
}

func (c *Client) SendText(ctx context.Context, key chat.ConversationKey, text string) (*api.SendResponse, error) {
	return invoke[api.SendResponse](ctx, c.conn, api.MethodSendText, api.SendRequest{KeyRequest: keyRequest(key), Text: text})
}

func (c *Client) Keystroke(ctx context.Context, key chat.ConversationKey) error {
	_, err := invoke[api.Empty](ctx, c.conn, api.MethodKeystroke, keyRequest(key))
	return err
}

func (c *Client) CloseConversation(ctx context.Context, key chat.ConversationKey) (bool, error) {
	resp, err := invoke[api.CloseResponse](ctx, c.conn, api.MethodCloseConversation, keyRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Closed, nil
}

func (c *Client) ResolveContact(ctx context.Context, phone, locale string) (*api.ResolveResponse, error) {
	return invoke[api.ResolveResponse](ctx, c.conn, api.MethodResolveContact, api.ResolveRequest{Phone: phone, Locale: locale})
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*api.Event, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	var evt api.Event
	if err := api.FromStruct(out, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// WatchEvents streams bus events whose kind starts with namespace until
// ctx is done.
func (c *Client) WatchEvents(ctx context.Context, namespace string) (*EventStream, error) {
	desc := &api.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := api.ToStruct(api.WatchRequest{Namespace: namespace})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

func keyRequest(key chat.ConversationKey) api.KeyRequest {
	return api.KeyRequest{CounterpartID: key.CounterpartID, ListingID: key.ListingID}
}

func invoke[Resp any](ctx context.Context, conn *grpc.ClientConn, method string, req any) (*Resp, error) {
	in, err := api.ToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := api.FromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
