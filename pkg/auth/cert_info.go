package auth

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"rocketcaster/pkg/types"
)

// FingerprintPrefix names the digest used for certificate fingerprints.
const FingerprintPrefix = "SHA256:"

// Fingerprint returns the content-addressed fingerprint of a certificate:
// the SHA-256 digest of its DER encoding in upper-case hex.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return FingerprintPrefix + strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CertificateInfo holds parsed certificate details for display and registration
type CertificateInfo struct {
	Fingerprint  string
	Subject      string
	CommonName   string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time

	// Status
	IsValid   bool
	IsExpired bool
	ExpiresIn time.Duration
	ErrorMsg  string
}

// CertificateInfoFromCert extracts the fields captured at registration.
func CertificateInfoFromCert(cert *x509.Certificate, now time.Time) *CertificateInfo {
	info := &CertificateInfo{
		Fingerprint:  Fingerprint(cert),
		Subject:      cert.Subject.String(),
		CommonName:   cert.Subject.CommonName,
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		IsValid:      true,
	}

	if now.After(cert.NotAfter) {
		info.IsExpired = true
		info.IsValid = false
		info.ErrorMsg = "Certificate has expired"
	} else if now.Before(cert.NotBefore) {
		info.IsValid = false
		info.ErrorMsg = "Certificate not yet valid"
	} else {
		info.ExpiresIn = cert.NotAfter.Sub(now)
	}

	return info
}

// CredentialInfo converts the certificate details into what the identity store persists.
func (info *CertificateInfo) CredentialInfo() types.CredentialInfo {
	notBefore := info.NotBefore
	notAfter := info.NotAfter
	return types.CredentialInfo{
		Fingerprint:    info.Fingerprint,
		Subject:        info.Subject,
		NotValidBefore: &notBefore,
		NotValidAfter:  &notAfter,
	}
}

// LoadCertificateInfo loads and parses certificate information from a PEM file
func LoadCertificateInfo(certPath string) (*CertificateInfo, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return CertificateInfoFromCert(cert, time.Now()), nil
}

// CheckCertificateExpiry reports whether a certificate is expired or expiring soon
func CheckCertificateExpiry(certPath string, warnDays int) (status string, daysLeft int, err error) {
	info, err := LoadCertificateInfo(certPath)
	if err != nil {
		return "", 0, err
	}

	daysLeft = int(time.Until(info.NotAfter).Hours() / 24)

	if info.IsExpired {
		return "EXPIRED", daysLeft, nil
	} else if daysLeft < warnDays {
		return "EXPIRING_SOON", daysLeft, nil
	}
	return "VALID", daysLeft, nil
}
