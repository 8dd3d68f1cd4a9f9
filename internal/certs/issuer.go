package certs

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Issuance parameters shared by every issuer.
const (
	KeyBits      = 2048
	ValidityDays = 365
	CommonName   = "localhost"
)

// Issuer writes a fresh self-signed certificate and unencrypted private key
// to the given paths.
type Issuer interface {
	Issue(ctx context.Context, paths Paths) error
}

// OpenSSLIssuer shells out to the openssl binary.
type OpenSSLIssuer struct {
	// Binary defaults to "openssl".
	Binary string
}

func (o OpenSSLIssuer) Issue(ctx context.Context, paths Paths) error {
	bin := o.Binary
	if bin == "" {
		bin = "openssl"
	}

	//nolint:gosec // Arguments are fixed apart from operator-provided paths.
	cmd := exec.CommandContext(ctx, bin, "req", "-new",
		"-newkey", "rsa:"+strconv.Itoa(KeyBits),
		"-days", strconv.Itoa(ValidityDays),
		"-nodes", "-x509",
		"-keyout", paths.Key,
		"-out", paths.Cert,
		"-subj", "/CN="+CommonName)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("openssl: %w: %s", err, msg)
		}
		return fmt.Errorf("openssl: %w", err)
	}
	return nil
}

// SelfSignedIssuer generates the pair in-process with crypto/x509.
type SelfSignedIssuer struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

func (s SelfSignedIssuer) Issue(_ context.Context, paths Paths) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return fmt.Errorf("serial number: %w", err)
	}

	notBefore := now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: CommonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(ValidityDays * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{CommonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := writePEM(paths.Key, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	return writePEM(paths.Cert, "CERTIFICATE", der, 0o644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// NewIssuer resolves an issuer name: "openssl", "native", or "auto", which
// picks openssl when it is on PATH.
func NewIssuer(name string) (Issuer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openssl":
		return OpenSSLIssuer{}, nil
	case "native":
		return SelfSignedIssuer{}, nil
	case "", "auto":
		if path, err := exec.LookPath("openssl"); err == nil {
			return OpenSSLIssuer{Binary: path}, nil
		}
		return SelfSignedIssuer{}, nil
	default:
		return nil, fmt.Errorf("unknown certificate issuer %q", name)
	}
}
