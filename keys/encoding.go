package keys

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// Key material crosses process boundaries as base64 of a PEM (or DER)
// encoding, so it survives JSON and environment variables unchanged.

// EncodeCertificate returns base64 of the PEM certificate.
func EncodeCertificate(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// EncodePrivateKey returns base64 of the PEM PKCS#8 private key.
func EncodePrivateKey(id *Identity) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return data, err
}

// DecodeCertificate parses base64 of a PEM or DER certificate.
func DecodeCertificate(s string) (*x509.Certificate, error) {
	data, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertFound, err)
	}
	certs, err := LoadCertsFromPemDerData(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// DecodePrivateKey parses base64 of a PEM or DER private key.
func DecodePrivateKey(s string) (*rsa.PrivateKey, error) {
	data, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKeyFound, err)
	}
	return LoadPrivateKeyFromPemDerData(data, nil)
}

// DecodeIdentity rebuilds an identity from its base64 certificate and key.
func DecodeIdentity(certB64, keyB64 string) (*Identity, error) {
	cert, err := DecodeCertificate(certB64)
	if err != nil {
		return nil, err
	}
	key, err := DecodePrivateKey(keyB64)
	if err != nil {
		return nil, err
	}
	return NewIdentity(cert, key)
}

// ExportPKCS12 bundles the identity into a password protected PKCS#12 file.
func ExportPKCS12(id *Identity, password string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(id.key, id.Certificate, nil, password)
	if err != nil {
		return nil, fmt.Errorf("encode PKCS#12: %w", err)
	}
	return data, nil
}

// ImportPKCS12 loads an identity from a PKCS#12 file.
func ImportPKCS12(data []byte, password string) (*Identity, error) {
	key, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode PKCS#12: %w", err)
	}
	return NewIdentity(cert, key)
}

// PEMBytes returns the PEM certificate and PKCS#8 key, as written to disk
// by the issue command.
func PEMBytes(id *Identity) (certPEM, keyPEM []byte, err error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	var cert, key bytes.Buffer
	if err := pem.Encode(&cert, &pem.Block{Type: "CERTIFICATE", Bytes: id.Certificate.Raw}); err != nil {
		return nil, nil, err
	}
	if err := pem.Encode(&key, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return nil, nil, err
	}
	return cert.Bytes(), key.Bytes(), nil
}
