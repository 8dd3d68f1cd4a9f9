package certs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// Paths names the PEM files for one listening port.
type Paths struct {
	Cert string
	Key  string
}

// PathsFor returns <dir>/cert-<port>.pem and <dir>/key-<port>.pem.
func PathsFor(dir string, port int) Paths {
	p := strconv.Itoa(port)
	return Paths{
		Cert: filepath.Join(dir, "cert-"+p+".pem"),
		Key:  filepath.Join(dir, "key-"+p+".pem"),
	}
}

// Store ensures certificate material exists on disk.
type Store struct {
	Dir    string
	Issuer Issuer
}

// Ensure returns the port's paths, invoking the issuer if either file is
// missing. Existing files are never touched, so repeated calls are no-ops.
//
// An issuance error is returned alongside the paths; callers may continue and
// let the later TLS load report the missing material.
func (s *Store) Ensure(ctx context.Context, port int) (Paths, error) {
	paths := PathsFor(s.Dir, port)

	certOK, err := exists(paths.Cert)
	if err != nil {
		return paths, err
	}
	keyOK, err := exists(paths.Key)
	if err != nil {
		return paths, err
	}
	if certOK && keyOK {
		return paths, nil
	}

	if s.Issuer == nil {
		return paths, errors.New("certs: no issuer configured")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return paths, fmt.Errorf("certs: create %s: %w", s.Dir, err)
	}
	if err := s.Issuer.Issue(ctx, paths); err != nil {
		return paths, fmt.Errorf("certs: issue for port %d: %w", port, err)
	}
	return paths, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("certs: stat %s: %w", path, err)
}
