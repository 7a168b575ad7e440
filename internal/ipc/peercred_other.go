//go:build !linux

package ipc

import (
	"errors"
	"net"

	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
)

func peerCredentials(net.Conn) (protocol.Caller, error) {
	return protocol.Caller{}, errors.New("peer credentials are not supported on this platform")
}
