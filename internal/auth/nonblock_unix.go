//go:build unix

package auth

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func restoreNonblock(sc syscall.Conn) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Control(func(fd uintptr) {
		_ = unix.SetNonblock(int(fd), true)
	})
}
