//go:build unix

package cmdrunner

import (
	"os"
	"syscall"
)

func detachedAttr(cred *Credential) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{Setsid: true}
	if cred != nil && (cred.UID != uint32(os.Getuid()) || cred.GID != uint32(os.Getgid())) {
		attr.Credential = &syscall.Credential{Uid: cred.UID, Gid: cred.GID, NoSetGroups: true}
	}
	return attr, nil
}
