//go:build !unix

package auth

import "syscall"

func restoreNonblock(syscall.Conn) {}
