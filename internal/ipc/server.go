package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// DefaultSocketDir holds the executor sockets, one per application id.
const DefaultSocketDir = "/run/elchi-updater"

// SocketPath returns the well-known socket of the executor serving appID.
func SocketPath(appID string) (string, error) {
	if appID == "" || strings.ContainsAny(appID, `/\`) || appID == "." || appID == ".." {
		return "", fmt.Errorf("invalid application id %q", appID)
	}
	return filepath.Join(DefaultSocketDir, appID+".sock"), nil
}

// Listen binds a unix socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	// Any local user may connect; mutating calls are gated per connection.
	if err := os.Chmod(path, 0o666); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

// Server exposes a protocol.Agent to one authenticated caller connection at a time.
type Server struct {
	grpc      *grpc.Server
	conns     *connTracker
	ops       map[string]*semaphore.Weighted
	anonymous *rate.Limiter
	logger    *logger.Logger
}

// Unauthenticated connections share this budget of read-only calls.
const (
	anonymousRate  = rate.Limit(2)
	anonymousBurst = 8
)

// NewServer wraps agent. auth decides which connections may mutate the filesystem.
func NewServer(agent protocol.Agent, auth Authenticator, log *logger.Logger) *Server {
	s := &Server{
		conns:     &connTracker{logger: log},
		ops:       map[string]*semaphore.Weighted{},
		anonymous: rate.NewLimiter(anonymousRate, anonymousBurst),
		logger:    log,
	}
	for _, m := range serviceDesc.Methods {
		s.ops[fullMethod(m.MethodName)] = semaphore.NewWeighted(1)
	}

	s.grpc = grpc.NewServer(
		grpc.Creds(NewPeerCredentials(auth, log)),
		grpc.StatsHandler(s.conns),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.unaryInterceptor),
		grpc.ChainStreamInterceptor(s.streamInterceptor),
	)
	s.grpc.RegisterService(&serviceDesc, agent)
	return s
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.WithField("address", lis.Addr().String()).Info("executor listening")
	return s.grpc.Serve(lis)
}

// GracefulStop waits for in-flight calls up to timeout, then stops hard.
func (s *Server) GracefulStop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-done
	}
}

// Stop closes every connection and cancels in-flight calls.
func (s *Server) Stop() {
	s.grpc.Stop()
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	ctx, owner, err := s.admit(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}

	// read-only calls of other connections do not hold the per-method slots
	if sem := s.ops[info.FullMethod]; owner && sem != nil {
		if !sem.TryAcquire(1) {
			return nil, status.Errorf(codes.ResourceExhausted, "%s already in flight", methodName(info.FullMethod))
		}
		defer sem.Release(1)
	}

	defer func() {
		var perr *helper.PanicError
		if errors.As(err, &perr) {
			resp, err = nil, status.Error(codes.Internal, "executor handler panicked")
		}
	}()
	defer helper.RecoverError(s.logger, info.FullMethod, &err)

	start := time.Now()
	resp, err = handler(ctx, req)
	s.logger.WithFields(logger.Fields{
		"method":   methodName(info.FullMethod),
		"duration": time.Since(start).String(),
	}).Debug("executor call finished")
	return resp, err
}

func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if _, _, err := s.admit(ss.Context(), info.FullMethod); err != nil {
		return err
	}
	return handler(srv, ss)
}

// admit checks that the calling connection may call method. Only
// authenticated connections claim the executor; owner reports whether this
// one holds it. Other connections are limited to read-only calls, served
// without claiming and rate limited together. The returned context carries
// the caller identity.
func (s *Server) admit(ctx context.Context, method string) (_ context.Context, owner bool, err error) {
	info, ok := PeerFrom(ctx)
	authenticated := ok && info.Authenticated

	switch {
	case authenticated:
		if !s.conns.claim(ctx) {
			return ctx, false, status.Error(codes.ResourceExhausted, "executor is serving another caller")
		}
		owner = true
	case mutating[method]:
		return ctx, false, status.Errorf(codes.PermissionDenied, "caller is not allowed to call %s", methodName(method))
	case !s.anonymous.Allow():
		return ctx, false, status.Error(codes.ResourceExhausted, "too many unauthenticated calls")
	}

	if ok && info.Known {
		ctx = protocol.WithCaller(ctx, info.Caller)
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(clientIDKey); len(ids) > 0 {
			s.logger.WithFields(logger.Fields{
				"client_id":     ids[0],
				"method":        methodName(method),
				"authenticated": authenticated,
			}).Debug("executor call")
		}
	}
	return ctx, owner, nil
}

func methodName(full string) string {
	return full[strings.LastIndex(full, "/")+1:]
}

type connIDKey struct{}

// connTracker is a stats.Handler that remembers which connection owns the
// executor. The first authenticated connection to make a call owns it until
// it closes.
type connTracker struct {
	next   atomic.Uint64
	logger *logger.Logger

	mu     sync.Mutex
	active uint64
}

func (t *connTracker) claim(ctx context.Context) bool {
	id, _ := ctx.Value(connIDKey{}).(uint64)
	if id == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		t.active = id
		t.logger.WithField("conn", id).Debug("connection owns the executor")
	}
	return t.active == id
}

func (t *connTracker) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return context.WithValue(ctx, connIDKey{}, t.next.Add(1))
}

func (t *connTracker) HandleConn(ctx context.Context, s stats.ConnStats) {
	if _, ok := s.(*stats.ConnEnd); !ok {
		return
	}
	id, _ := ctx.Value(connIDKey{}).(uint64)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == id {
		t.active = 0
		t.logger.WithField("conn", id).Debug("executor released")
	}
}

func (t *connTracker) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

func (t *connTracker) HandleRPC(context.Context, stats.RPCStats) {}
