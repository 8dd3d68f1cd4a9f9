//go:build !unix

package proxy

import "syscall"

func reuseAddr(string, string, syscall.RawConn) error {
	return nil
}
