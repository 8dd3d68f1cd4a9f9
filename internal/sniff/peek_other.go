//go:build !unix

package sniff

import "syscall"

const peekSupported = false

func peekFD(syscall.Conn) (byte, error) {
	return 0, ErrNoData
}
