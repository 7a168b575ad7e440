package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
)

const serviceName = "elchi.updater.v1.Executor"

// Method names of the executor service.
const (
	MethodCheck     = "CheckForUpdates"
	MethodDownload  = "DownloadUpdate"
	MethodInstall   = "InstallUpdate"
	MethodRestart   = "RestartApplication"
	MethodSubscribe = "Subscribe"
)

// notificationBuffer bounds the per-stream backlog; older pushes are dropped past it.
const notificationBuffer = 64

// readyHeader is sent on the subscribe stream once the server accepted the connection.
const readyHeader = "x-elchi-executor"

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// mutating methods require an authenticated caller.
var mutating = map[string]bool{
	fullMethod(MethodDownload): true,
	fullMethod(MethodInstall):  true,
	fullMethod(MethodRestart):  true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*protocol.Agent)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodCheck, protocol.Agent.CheckForUpdates),
		unaryMethod(MethodDownload, protocol.Agent.DownloadUpdate),
		unaryMethod(MethodInstall, protocol.Agent.InstallUpdate),
		unaryMethod(MethodRestart, protocol.Agent.RestartApplication),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodSubscribe,
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "elchi/updater/v1/executor",
}

func unaryMethod[Req, Rep any](name string, call func(protocol.Agent, context.Context, *Req) (*Rep, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			agent := srv.(protocol.Agent)
			if interceptor == nil {
				return call(agent, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(agent, ctx, req.(*Req))
			})
		},
	}
}

// subscribeHandler forwards agent notifications until the caller goes away.
func subscribeHandler(srv any, stream grpc.ServerStream) error {
	if err := stream.RecvMsg(new(protocol.SubscribeRequest)); err != nil {
		return err
	}
	if err := stream.SendHeader(metadata.Pairs(readyHeader, "ready")); err != nil {
		return err
	}

	ch := make(chan *protocol.Notification, notificationBuffer)
	cancel := srv.(protocol.Agent).Subscribe(func(n *protocol.Notification) {
		select {
		case ch <- n:
		default:
		}
	})
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-ch:
			if err := stream.SendMsg(n); err != nil {
				return err
			}
		}
	}
}
