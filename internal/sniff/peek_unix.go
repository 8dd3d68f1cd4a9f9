//go:build unix

package sniff

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

const peekSupported = true

func peekFD(sc syscall.Conn) (byte, error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoData, err)
	}

	var (
		buf  [1]byte
		n    int
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		for {
			n, _, rerr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK)
			if errors.Is(rerr, unix.EINTR) {
				continue
			}
			// Returning false parks until the descriptor is readable.
			return !errors.Is(rerr, unix.EAGAIN)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	if rerr != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoData, rerr)
	}
	if n <= 0 {
		return 0, ErrNoData
	}
	return buf[0], nil
}
