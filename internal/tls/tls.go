package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// ErrNoCertificate is returned when TLS is enabled without any certificate source.
var ErrNoCertificate = errors.New("tls enabled but neither cert_file/key_file nor dir is set")

func joinDir(dir, name string) string { return filepath.Join(dir, name) }

// ParseVersion maps "1.2"/"1.3" (optionally prefixed with "tls") to the
// crypto/tls constant. Empty means TLS 1.3.
func ParseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls") {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", v)
	}
}

// Setup builds the server TLS config for c. It returns nil when TLS is
// disabled. Certificates are re-read on every handshake so a rotated pair
// is picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := ParseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.Files()
	if certPath == "" {
		return nil, ErrNoCertificate
	}
	if c.AutoGenerate && c.Dir != "" && certPath == joinDir(c.Dir, certName) && !exists(certPath, keyPath) {
		if err := Generate(selfSigned(c, certPath, keyPath)); err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			pair, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &pair, nil
		},
	}, nil
}

func selfSigned(c Config, certPath, keyPath string) CertConfig {
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	dns := c.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := c.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1", "::1"}
	}
	return CertConfig{
		CommonName:  cn,
		DNSNames:    dns,
		IPAddresses: ips,
		NotAfter:    time.Now().AddDate(0, 0, days),
		CertPath:    certPath,
		KeyPath:     keyPath,
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
