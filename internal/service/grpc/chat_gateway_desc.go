package grpcsvc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/frost56k/cm-bot/internal/bot"
)

// ChatGatewayDesc описывает сервис без protoc: сообщения кодируются CodecName.
var ChatGatewayDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChatGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "HandleEvent",
			Handler:    handleEventHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "cmbot/v1/chat_gateway",
}

// RegisterChatGatewayServer регистрирует шлюз на gRPC сервере.
func RegisterChatGatewayServer(s grpc.ServiceRegistrar, srv ChatGatewayServer) {
	s.RegisterService(&ChatGatewayDesc, srv)
}

func handleEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EventRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatGatewayServer).HandleEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: methodHandleEvent,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatGatewayServer).HandleEvent(ctx, req.(*EventRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatGatewayServer).Subscribe(in, stream)
}

// ChatGatewayClient — клиент шлюза для мостов к мессенджеру и нагрузочного теста.
type ChatGatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewChatGatewayClient(cc grpc.ClientConnInterface) *ChatGatewayClient {
	return &ChatGatewayClient{cc: cc}
}

func (c *ChatGatewayClient) HandleEvent(ctx context.Context, req *EventRequest, opts ...grpc.CallOption) (*EventResponse, error) {
	out := new(EventResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, methodHandleEvent, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// MessageStream читает исходящие сообщения из Subscribe.
type MessageStream struct {
	stream grpc.ClientStream
}

func (s *MessageStream) Recv() (*bot.Message, error) {
	msg := new(bot.Message)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *ChatGatewayClient) Subscribe(ctx context.Context, req *SubscribeRequest, opts ...grpc.CallOption) (*MessageStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ChatGatewayDesc.Streams[0], methodSubscribe, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &MessageStream{stream: stream}, nil
}
