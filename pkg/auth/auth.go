package auth

import (
	"errors"
)

var (
	ErrCertificateRequired = errors.New("certificate required")
	ErrUnregistered        = errors.New("certificate not registered")
	ErrNotAuthorized       = errors.New("certificate not authorized")
)

// Tier selects how much identity a route requires.
type Tier int

const (
	// Anonymous routes never look at the client certificate.
	Anonymous Tier = iota
	// Optional routes resolve a presented certificate but proceed anonymously
	// when it is missing or unregistered.
	Optional
	// Required routes reject requests without a registered certificate.
	Required
	// CertificateOnly routes need a certificate but not a registration.
	CertificateOnly
)

func (t Tier) String() string {
	switch t {
	case Anonymous:
		return "anonymous"
	case Optional:
		return "optional"
	case Required:
		return "required"
	case CertificateOnly:
		return "certificate"
	default:
		return "unknown"
	}
}

// AuthConfig holds the server's TLS material.
type AuthConfig struct {
	CertPath      string `json:"cert"`
	KeyPath       string `json:"key"`
	Hostname      string `json:"hostname"`
	MinTLSVersion string `json:"min_tls_version,omitempty"`
}

// DefaultAuthConfig returns default authentication configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Hostname:      "localhost",
		MinTLSVersion: "1.2",
	}
}

// Validate checks if the authentication configuration is valid
func (c *AuthConfig) Validate() error {
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required")
	}
	return nil
}
