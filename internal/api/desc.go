package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "formachat.v1.Chat"

// Method names of the Chat service.
const (
	MethodStatus            = "Status"
	MethodListConversations = "ListConversations"
	MethodOpenConversation  = "OpenConversation"
	MethodOpenContact       = "OpenContact"
	MethodListMessages      = "ListMessages"
	MethodSendMessage       = "SendMessage"
	MethodSetTyping         = "SetTyping"
	MethodMarkRead          = "MarkRead"
	MethodLogin             = "Login"
	MethodLogout            = "Logout"
	MethodWatch             = "Watch"
)

// FullMethod returns the gRPC path of a Chat method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ChatServer is the server API for the Chat service. Requests and responses
// are google.protobuf.Struct values.
type ChatServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(m *structpb.Struct) error {
	return w.ServerStream.SendMsg(m)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryCall func(ChatServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).Watch(in, &watchServer{stream})
}

// ServiceDesc describes the Chat service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ChatServer.Status),
		unary(MethodListConversations, ChatServer.ListConversations),
		unary(MethodOpenConversation, ChatServer.OpenConversation),
		unary(MethodOpenContact, ChatServer.OpenContact),
		unary(MethodListMessages, ChatServer.ListMessages),
		unary(MethodSendMessage, ChatServer.SendMessage),
		unary(MethodSetTyping, ChatServer.SetTyping),
		unary(MethodMarkRead, ChatServer.MarkRead),
		unary(MethodLogin, ChatServer.Login),
		unary(MethodLogout, ChatServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "formachat/v1/chat.proto",
}

// WatchStreamDesc is the client-side descriptor of Watch.
var WatchStreamDesc = &ServiceDesc.Streams[0]
