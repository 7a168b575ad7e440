//go:build linux

package ipc

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
)

func peerCredentials(conn net.Conn) (protocol.Caller, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return protocol.Caller{}, errors.New("not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return protocol.Caller{}, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return protocol.Caller{}, err
	}
	if credErr != nil {
		return protocol.Caller{}, credErr
	}

	return protocol.Caller{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
