package certs

import (
	"crypto/tls"
	"fmt"
)

// CertLoadError reports that the key pair for a port could not be loaded:
// a file is missing or malformed, or the key does not match the certificate.
type CertLoadError struct {
	Paths Paths
	Err   error
}

func (e *CertLoadError) Error() string {
	return fmt.Sprintf("load certificate %s / key %s: %v", e.Paths.Cert, e.Paths.Key, e.Err)
}

func (e *CertLoadError) Unwrap() error { return e.Err }

// NewServerConfig loads the pair and returns a server-side TLS config. The
// result is shared by all TLS connections on the port and must not be
// modified after construction.
func NewServerConfig(paths Paths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.Cert, paths.Key)
	if err != nil {
		return nil, &CertLoadError{Paths: paths, Err: err}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
