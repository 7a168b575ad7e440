//go:build !unix

package cmdrunner

import (
	"errors"
	"syscall"
)

func detachedAttr(cred *Credential) (*syscall.SysProcAttr, error) {
	if cred != nil {
		return nil, errors.New("starting a process as another user is not supported on this platform")
	}
	return nil, nil
}
