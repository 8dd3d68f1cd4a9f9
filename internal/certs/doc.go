// Package certs manages the per-port TLS key material.
//
// A [Store] makes sure a certificate/key pair exists under a fixed directory
// before the listener starts, asking an [Issuer] to create one only when it is
// missing. [NewServerConfig] turns the pair into the shared, read-only
// *tls.Config used by every TLS connection on that port.
package certs
