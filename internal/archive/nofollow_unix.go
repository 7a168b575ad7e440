//go:build unix

package archive

import "golang.org/x/sys/unix"

// noFollow makes OpenFile fail instead of writing through a symlink.
const noFollow = unix.O_NOFOLLOW
