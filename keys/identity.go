package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrKeyMismatch reports a private key that does not belong to the certificate.
var ErrKeyMismatch = errors.New("private key does not match certificate")

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Identity is a signing key pair bound to its certificate.
type Identity struct {
	Certificate *x509.Certificate
	// Fingerprint is the lowercase hex SHA-256 of the DER certificate.
	Fingerprint string

	key *rsa.PrivateKey
}

// NewIdentity pairs cert with key. Only RSA keys are supported and the
// public halves must match.
func NewIdentity(cert *x509.Certificate, key crypto.PrivateKey) (*Identity, error) {
	if cert == nil {
		return nil, ErrNoCertFound
	}
	if key == nil {
		return nil, ErrNoKeyFound
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&rsaKey.PublicKey) {
		return nil, ErrKeyMismatch
	}
	return &Identity{Certificate: cert, Fingerprint: Fingerprint(cert), key: rsaKey}, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Signer exposes the private key for signing.
func (id *Identity) Signer() crypto.Signer {
	if id.key == nil {
		return nil
	}
	return id.key
}

// PrivateKey returns the RSA private key.
func (id *Identity) PrivateKey() *rsa.PrivateKey { return id.key }

// CommonName returns the subject common name.
func (id *Identity) CommonName() string { return id.Certificate.Subject.CommonName }

// Email returns the first SAN e-mail address, falling back to the subject
// emailAddress attribute.
func (id *Identity) Email() string { return CertificateEmail(id.Certificate) }

// SerialNumber returns the certificate serial.
func (id *Identity) SerialNumber() *big.Int { return id.Certificate.SerialNumber }

// NotBefore returns the start of the validity window.
func (id *Identity) NotBefore() time.Time { return id.Certificate.NotBefore }

// NotAfter returns the end of the validity window.
func (id *Identity) NotAfter() time.Time { return id.Certificate.NotAfter }

// ValidAt reports NotBefore <= t <= NotAfter.
func (id *Identity) ValidAt(t time.Time) bool {
	return !t.Before(id.Certificate.NotBefore) && !t.After(id.Certificate.NotAfter)
}

// CertificateEmail extracts an e-mail address from cert.
func CertificateEmail(cert *x509.Certificate) string {
	if len(cert.EmailAddresses) > 0 {
		return cert.EmailAddresses[0]
	}
	for _, atv := range cert.Subject.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if s, ok := atv.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// CertificateInfo is the public description of an identity.
type CertificateInfo struct {
	CommonName             string    `json:"common_name"`
	EmailAddress           string    `json:"email_address"`
	CountryName            string    `json:"country_name,omitempty"`
	OrganizationName       string    `json:"organization_name,omitempty"`
	OrganizationalUnitName string    `json:"organizational_unit_name,omitempty"`
	SerialNumber           string    `json:"serial_number"`
	ValidFrom              time.Time `json:"valid_from"`
	ValidTo                time.Time `json:"valid_to"`
	IssuerCommonName       string    `json:"issuer_common_name"`
	FingerprintSHA256      string    `json:"fingerprint_sha256"`
}

// Info describes the identity's certificate.
func (id *Identity) Info() CertificateInfo {
	return DescribeCertificate(id.Certificate)
}

// DescribeCertificate builds a CertificateInfo for any certificate.
func DescribeCertificate(cert *x509.Certificate) CertificateInfo {
	first := func(v []string) string {
		if len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return CertificateInfo{
		CommonName:             cert.Subject.CommonName,
		EmailAddress:           CertificateEmail(cert),
		CountryName:            first(cert.Subject.Country),
		OrganizationName:       first(cert.Subject.Organization),
		OrganizationalUnitName: first(cert.Subject.OrganizationalUnit),
		SerialNumber:           cert.SerialNumber.Text(16),
		ValidFrom:              cert.NotBefore.UTC(),
		ValidTo:                cert.NotAfter.UTC(),
		IssuerCommonName:       cert.Issuer.CommonName,
		FingerprintSHA256:      Fingerprint(cert),
	}
}
