package ipc

import (
	"context"
	"fmt"
	"net"
	"slices"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const authType = "peercred"

// Authenticator decides whether a connecting process may mutate the filesystem.
type Authenticator interface {
	Authenticate(caller protocol.Caller) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(protocol.Caller) error

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(c protocol.Caller) error {
	return f(c)
}

// AllowUIDs authenticates callers whose uid is listed. An empty list
// authenticates nobody.
func AllowUIDs(uids ...uint32) Authenticator {
	return AuthenticatorFunc(func(c protocol.Caller) error {
		if slices.Contains(uids, c.UID) {
			return nil
		}
		return fmt.Errorf("uid %d is not allowed", c.UID)
	})
}

// PeerInfo is the AuthInfo attached to every connection accepted by PeerCredentials.
type PeerInfo struct {
	credentials.CommonAuthInfo
	Caller        protocol.Caller
	Known         bool
	Authenticated bool
}

// AuthType implements credentials.AuthInfo.
func (PeerInfo) AuthType() string {
	return authType
}

// PeerFrom returns the PeerInfo of the connection serving ctx.
func PeerFrom(ctx context.Context) (PeerInfo, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return PeerInfo{}, false
	}
	info, ok := p.AuthInfo.(PeerInfo)
	return info, ok
}

// PeerCredentials authenticates unix socket peers from the kernel's view of
// the connecting process. Authentication runs once, in the handshake; a
// connection that fails it is kept but limited to read-only calls.
type PeerCredentials struct {
	auth   Authenticator
	logger *logger.Logger
}

// NewPeerCredentials returns server-side transport credentials.
func NewPeerCredentials(auth Authenticator, log *logger.Logger) credentials.TransportCredentials {
	return &PeerCredentials{auth: auth, logger: log}
}

// ClientHandshake implements credentials.TransportCredentials.
func (p *PeerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, PeerInfo{CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity}}, nil
}

// ServerHandshake implements credentials.TransportCredentials.
func (p *PeerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	info := PeerInfo{CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity}}

	caller, err := peerCredentials(conn)
	if err != nil {
		p.logger.WithError(err).Warn("peer credentials unavailable, connection limited to read-only calls")
		return conn, info, nil
	}
	info.Caller = caller
	info.Known = true

	fields := logger.Fields{"pid": caller.PID, "uid": caller.UID, "gid": caller.GID}
	if p.auth == nil {
		p.logger.WithFields(fields).Warn("no authenticator configured")
		return conn, info, nil
	}
	if err := p.auth.Authenticate(caller); err != nil {
		p.logger.WithFields(fields).WithError(err).Info("caller not authenticated")
		return conn, info, nil
	}

	info.Authenticated = true
	p.logger.WithFields(fields).Debug("caller authenticated")
	return conn, info, nil
}

// Info implements credentials.TransportCredentials.
func (p *PeerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: authType}
}

// Clone implements credentials.TransportCredentials.
func (p *PeerCredentials) Clone() credentials.TransportCredentials {
	return &PeerCredentials{auth: p.auth, logger: p.logger}
}

// OverrideServerName implements credentials.TransportCredentials.
func (p *PeerCredentials) OverrideServerName(string) error {
	return nil
}
