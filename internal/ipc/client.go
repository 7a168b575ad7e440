package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/CloudNativeWorks/elchi-updater/internal/agent"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const clientIDKey = "client-id"

// Default timeouts of the executor channel.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultCallTimeout     = 30 * time.Second
	DefaultTransferTimeout = 30 * time.Minute
)

// ConnState is the lifecycle of the executor connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Established
	Invalidated
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Invalidated:
		return "invalidated"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

var errClientClosed = errors.New("executor client closed")

// ClientOptions configures the channel.
type ClientOptions struct {
	SocketPath      string
	ConnectTimeout  time.Duration
	CallTimeout     time.Duration
	TransferTimeout time.Duration
}

// Client is the caller side of the executor channel. It implements
// protocol.Agent over one connection at a time. Calls reconnect lazily after
// an invalidation; failed calls are never retried.
type Client struct {
	opts     ClientOptions
	clientID string
	hub      *agent.Hub
	ops      map[string]*semaphore.Weighted
	logger   *logger.Logger

	mu         sync.Mutex
	state      ConnState
	closed     bool
	conn       *grpc.ClientConn
	connCtx    context.Context
	connCancel context.CancelCauseFunc

	// Monitor goroutine management
	monitorWg sync.WaitGroup
}

var _ protocol.Agent = (*Client)(nil)

// NewClient creates a disconnected client.
func NewClient(opts ClientOptions, log *logger.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = DefaultTransferTimeout
	}

	c := &Client{
		opts:     opts,
		clientID: uuid.NewString(),
		hub:      agent.NewHub(log),
		ops:      map[string]*semaphore.Weighted{},
		logger:   log,
	}
	for _, m := range serviceDesc.Methods {
		c.ops[m.MethodName] = semaphore.NewWeighted(1)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe implements protocol.Agent. Registrations survive reconnects.
func (c *Client) Subscribe(fn func(*protocol.Notification)) func() {
	return c.hub.Subscribe(fn)
}

// Connect establishes the connection. It is a no-op while one is established.
func (c *Client) Connect(ctx context.Context) error {
	_, _, err := c.ensure(ctx)
	return err
}

func (c *Client) ensure(ctx context.Context) (*grpc.ClientConn, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, errdefs.Wrap(errdefs.KindTransport, "connect", errClientClosed)
	}
	if c.state == Established {
		return c.conn, c.connCtx, nil
	}

	c.state = Connecting
	if err := c.connectLocked(ctx); err != nil {
		c.state = Disconnected
		return nil, nil, err
	}
	c.state = Established
	return c.conn, c.connCtx, nil
}

// connectLocked dials, waits for readiness and opens the notification stream.
func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.WithFields(logger.Fields{
		"socket":          c.opts.SocketPath,
		"connect_timeout": c.opts.ConnectTimeout.String(),
	}).Debug("connecting to executor")

	conn, err := grpc.NewClient("unix://"+c.opts.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDisableServiceConfig(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithUnaryInterceptor(c.clientIDInterceptor()),
		grpc.WithStreamInterceptor(c.streamClientIDInterceptor()),
	)
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransport, "connect", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn.Connect()
	if err := waitReady(connectCtx, conn); err != nil {
		conn.Close()
		return errdefs.Wrap(errdefs.KindTransport, "connect", err)
	}

	connCtx, connCancel := context.WithCancelCause(context.Background())
	stream, err := c.openSubscription(connectCtx, connCtx, conn)
	if err != nil {
		connCancel(err)
		conn.Close()
		return err
	}

	c.conn = conn
	c.connCtx = connCtx
	c.connCancel = connCancel

	c.monitorWg.Add(2)
	go c.receive(conn, stream)
	go c.monitorConnection(connCtx, conn)

	c.logger.WithFields(logger.Fields{
		"socket":    c.opts.SocketPath,
		"client_id": c.clientID,
	}).Info("executor connection established")
	return nil
}

// waitReady blocks until conn is ready or ctx expires.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("connection in failed state: %s", state)
		case connectivity.TransientFailure:
			return fmt.Errorf("executor unreachable: %s", state)
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection timeout while %s", state)
		}
	}
}

// openSubscription opens the push stream and waits for the server to accept
// this connection, so a busy executor is reported by Connect.
func (c *Client) openSubscription(handshakeCtx, connCtx context.Context, conn *grpc.ClientConn) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(connCtx, &serviceDesc.Streams[0], fullMethod(MethodSubscribe))
	if err != nil {
		return nil, mapStatus("subscribe", err)
	}
	if err := stream.SendMsg(&protocol.SubscribeRequest{}); err != nil {
		return nil, mapStatus("subscribe", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, mapStatus("subscribe", err)
	}

	type header struct {
		md  metadata.MD
		err error
	}
	got := make(chan header, 1)
	go func() {
		md, err := stream.Header()
		got <- header{md, err}
	}()

	var h header
	select {
	case h = <-got:
	case <-handshakeCtx.Done():
		return nil, errdefs.Wrap(errdefs.KindTransport, "subscribe", handshakeCtx.Err())
	}
	if h.err == nil && len(h.md.Get(readyHeader)) == 0 {
		h.err = stream.RecvMsg(new(protocol.Notification))
		if h.err == nil || errors.Is(h.err, io.EOF) {
			h.err = errors.New("executor closed the notification stream")
		}
	}
	if h.err != nil {
		return nil, mapStatus("subscribe", h.err)
	}
	return stream, nil
}

// receive publishes pushes until the stream breaks, then invalidates.
func (c *Client) receive(conn *grpc.ClientConn, stream grpc.ClientStream) {
	defer c.monitorWg.Done()

	for {
		n := new(protocol.Notification)
		if err := stream.RecvMsg(n); err != nil {
			c.invalidate(conn, fmt.Errorf("notification stream ended: %w", err))
			return
		}
		c.hub.Publish(n)
	}
}

// monitorConnection watches connectivity and invalidates the connection on failure.
func (c *Client) monitorConnection(ctx context.Context, conn *grpc.ClientConn) {
	defer c.monitorWg.Done()
	c.logger.Debug("connection monitoring started")
	defer c.logger.Debug("connection monitoring stopped")

	state := conn.GetState()
	for conn.WaitForStateChange(ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.TransientFailure, connectivity.Shutdown, connectivity.Idle:
			c.logger.WithFields(logger.Fields{
				"state": state.String(),
			}).Warn("executor connection state error")
			c.invalidate(conn, fmt.Errorf("connection %s", state))
			return
		}
	}
}

// invalidate tears conn down. In-flight calls observe the cancelled
// connection context and fail with a transport error.
func (c *Client) invalidate(conn *grpc.ClientConn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state != Established {
		c.mu.Unlock()
		return
	}
	c.state = Invalidated
	c.connCancel(cause)
	c.conn = nil
	c.connCtx = nil
	c.connCancel = nil
	c.mu.Unlock()

	if !errors.Is(cause, errClientClosed) {
		c.logger.WithError(cause).Warn("executor connection invalidated")
	}
	conn.Close()

	c.mu.Lock()
	if c.state == Invalidated {
		c.state = Disconnected
	}
	c.mu.Unlock()
}

// Close tears the connection down and rejects further calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.invalidate(conn, errClientClosed)
	}
	c.monitorWg.Wait()
	return nil
}

// clientIDInterceptor adds client ID to outgoing requests
func (c *Client) clientIDInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(c.withClientID(ctx), method, req, reply, cc, opts...)
	}
}

// streamClientIDInterceptor adds client ID to outgoing stream requests
func (c *Client) streamClientIDInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(c.withClientID(ctx), desc, cc, method, opts...)
	}
}

func (c *Client) withClientID(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, clientIDKey, c.clientID)
}

// invoke runs one call with the per-kind guard and a bounded timeout.
func (c *Client) invoke(ctx context.Context, method string, timeout time.Duration, req, reply any) error {
	sem := c.ops[method]
	if !sem.TryAcquire(1) {
		return &errdefs.Error{Kind: errdefs.KindBusy, Op: method, Err: errdefs.ErrBusy}
	}
	defer sem.Release(1)

	conn, connCtx, err := c.ensure(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	err = conn.Invoke(callCtx, fullMethod(method), req, reply)
	if err == nil {
		return nil
	}

	if cause := context.Cause(connCtx); cause != nil {
		return errdefs.Newf(errdefs.KindTransport, method, "executor connection lost: %v", cause)
	}
	if status.Code(err) == codes.Unavailable {
		c.invalidate(conn, err)
	}
	return mapStatus(method, err)
}

// mapStatus converts a gRPC failure into a kinded error. Remote rejects travel
// inside replies; everything here is a channel-level failure.
func mapStatus(op string, err error) error {
	var kinded *errdefs.Error
	if errors.As(err, &kinded) {
		return err
	}

	st, ok := status.FromError(err)
	if !ok {
		return errdefs.Wrap(errdefs.KindTransport, op, err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &errdefs.Error{Kind: errdefs.KindBusy, Op: op, Err: fmt.Errorf("%w: %s", errdefs.ErrBusy, st.Message())}
	case codes.PermissionDenied, codes.Unauthenticated:
		return errdefs.Newf(errdefs.KindUnknown, op, "executor rejected caller: %s", st.Message())
	case codes.DeadlineExceeded:
		return errdefs.Newf(errdefs.KindTransport, op, "executor call timed out: %s", st.Message())
	}
	return errdefs.Newf(errdefs.KindTransport, op, "%s: %s", st.Code(), st.Message())
}

// CheckForUpdates implements protocol.Agent.
func (c *Client) CheckForUpdates(ctx context.Context, req *protocol.CheckRequest) (*protocol.CheckReply, error) {
	reply := new(protocol.CheckReply)
	if err := c.invoke(ctx, MethodCheck, c.opts.CallTimeout, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// DownloadUpdate implements protocol.Agent. It uses the transfer timeout.
func (c *Client) DownloadUpdate(ctx context.Context, req *protocol.DownloadRequest) (*protocol.DownloadReply, error) {
	reply := new(protocol.DownloadReply)
	if err := c.invoke(ctx, MethodDownload, c.opts.TransferTimeout, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// InstallUpdate implements protocol.Agent. A cross-device install copies the
// whole bundle, so it shares the transfer timeout.
func (c *Client) InstallUpdate(ctx context.Context, req *protocol.InstallRequest) (*protocol.InstallReply, error) {
	reply := new(protocol.InstallReply)
	if err := c.invoke(ctx, MethodInstall, c.opts.TransferTimeout, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// RestartApplication implements protocol.Agent.
func (c *Client) RestartApplication(ctx context.Context, req *protocol.RestartRequest) (*protocol.RestartReply, error) {
	reply := new(protocol.RestartReply)
	if err := c.invoke(ctx, MethodRestart, c.opts.CallTimeout, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
