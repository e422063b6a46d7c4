package auth

import (
	"crypto/tls"
	"fmt"
)

// TLSConfigBuilder builds the server's TLS configuration
type TLSConfigBuilder struct {
	config *AuthConfig
}

func NewTLSConfigBuilder(config *AuthConfig) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &TLSConfigBuilder{config: config}, nil
}

// BuildServerConfig loads the server key pair and requests, without chain
// verification, a client certificate. Identity comes from the fingerprint.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   b.getTLSVersion(),
		ServerName:   b.config.Hostname,
	}, nil
}

// BuildClientConfig creates a TLS configuration presenting the given client
// key pair. Server certificates are not verified (trust on first use).
func BuildClientConfig(certPath, keyPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// getTLSVersion returns the minimum TLS version from config
func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
