package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "farmchat.v1.ChatService"

const (
	MethodStatus            = "GetStatus"
	MethodListConversations = "ListConversations"
	MethodOpenConversation  = "OpenConversation"
	MethodGetConversation   = "GetConversation"
	MethodReload            = "ReloadConversation"
	MethodSendText          = "SendText"
	MethodKeystroke         = "Keystroke"
	MethodCloseConversation = "CloseConversation"
	MethodResolveContact    = "ResolveContact"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the RPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ChatServer is the daemon side of the service.
type ChatServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	ListConversations(context.Context, *ListRequest) (*ListResponse, error)
	OpenConversation(context.Context, *KeyRequest) (*ConversationResponse, error)
	GetConversation(context.Context, *KeyRequest) (*ConversationResponse, error)
	ReloadConversation(context.Context, *KeyRequest) (*ConversationResponse, error)
	SendText(context.Context, *SendRequest) (*SendResponse, error)
	Keystroke(context.Context, *KeyRequest) (*Empty, error)
	CloseConversation(context.Context, *KeyRequest) (*CloseResponse, error)
	ResolveContact(context.Context, *ResolveRequest) (*ResolveResponse, error)
	WatchEvents(*WatchRequest, EventSender) error
}

// EventSender is the server side of a WatchEvents stream.
type EventSender interface {
	Send(*Event) error
	Context() context.Context
}

// ServiceDesc describes the service for grpc.Server.RegisterService and
// for client streams. Every message travels as a google.protobuf.Struct.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ChatServer.GetStatus),
		unary(MethodListConversations, ChatServer.ListConversations),
		unary(MethodOpenConversation, ChatServer.OpenConversation),
		unary(MethodGetConversation, ChatServer.GetConversation),
		unary(MethodReload, ChatServer.ReloadConversation),
		unary(MethodSendText, ChatServer.SendText),
		unary(MethodKeystroke, ChatServer.Keystroke),
		unary(MethodCloseConversation, ChatServer.CloseConversation),
		unary(MethodResolveContact, ChatServer.ResolveContact),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "farmchat/v1/chat.proto",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if err := FromStruct(req.(*structpb.Struct), r); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", name, err)
				}
				resp, err := call(srv.(ChatServer), ctx, r)
				if err != nil {
					return nil, err
				}
				out, err := ToStruct(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "%s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := FromStruct(in, req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", MethodWatchEvents, err)
	}
	return srv.(ChatServer).WatchEvents(req, &eventSender{stream})
}

type eventSender struct {
	grpc.ServerStream
}

func (s *eventSender) Send(e *Event) error {
	out, err := ToStruct(e)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(out)
}
