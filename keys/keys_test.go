package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueIdentity(t *testing.T, cn string) *Identity {
	t.Helper()
	id, err := newTestIssuer(t).Issue(context.Background(), IssueRequest{CommonName: cn, Email: "signer@example.org", ValidityDays: 30})
	require.NoError(t, err)
	return id
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func pemBlock(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}

func TestLoadIdentityKeyEncodings(t *testing.T) {
	id := issueIdentity(t, "Jane Doe")
	pkcs1 := x509.MarshalPKCS1PrivateKey(id.PrivateKey())
	pkcs8, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey())
	require.NoError(t, err)
	certPEM := pemBlock("CERTIFICATE", id.Certificate.Raw)
	encrypted, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", pkcs1, []byte("s3cret"), x509.PEMCipherAES256) //nolint:staticcheck
	require.NoError(t, err)

	tests := []struct {
		name       string
		cert       []byte
		key        []byte
		passphrase []byte
	}{
		{"PKCS#1 PEM", certPEM, pemBlock("RSA PRIVATE KEY", pkcs1), nil},
		{"PKCS#8 PEM", certPEM, pemBlock("PRIVATE KEY", pkcs8), nil},
		{"PKCS#1 DER", id.Certificate.Raw, pkcs1, nil},
		{"PKCS#8 DER", id.Certificate.Raw, pkcs8, nil},
		{"certificate bundled before key", certPEM, append(certPEM, pemBlock("PRIVATE KEY", pkcs8)...), nil},
		{"encrypted PEM", certPEM, pem.EncodeToMemory(encrypted), []byte("s3cret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			loaded, err := LoadIdentity(writeFile(t, dir, "cert", tt.cert), writeFile(t, dir, "key", tt.key), tt.passphrase)
			require.NoError(t, err)
			assert.Equal(t, id.Fingerprint, loaded.Fingerprint)
			assert.True(t, id.PrivateKey().Equal(loaded.PrivateKey()))
			assert.Equal(t, "Jane Doe", loaded.CommonName())
		})
	}
}

func TestLoadIdentityErrors(t *testing.T) {
	jane := issueIdentity(t, "Jane Doe")
	john := issueIdentity(t, "John Roe")
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)
	pkcs1 := x509.MarshalPKCS1PrivateKey(jane.PrivateKey())
	encrypted, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", pkcs1, []byte("s3cret"), x509.PEMCipherAES256) //nolint:staticcheck
	require.NoError(t, err)

	dir := t.TempDir()
	janeCert := writeFile(t, dir, "jane.cert.pem", pemBlock("CERTIFICATE", jane.Certificate.Raw))
	janeKey := writeFile(t, dir, "jane.key.pem", pemBlock("RSA PRIVATE KEY", pkcs1))
	johnKey := writeFile(t, dir, "john.key.pem", pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(john.PrivateKey())))
	bothCerts := writeFile(t, dir, "both.pem", append(pemBlock("CERTIFICATE", jane.Certificate.Raw), pemBlock("CERTIFICATE", john.Certificate.Raw)...))
	ecPEM := writeFile(t, dir, "ec.pem", pemBlock("PRIVATE KEY", ecDER))
	sec1 := writeFile(t, dir, "sec1.pem", pemBlock("EC PRIVATE KEY", []byte{0x30}))
	locked := writeFile(t, dir, "locked.pem", pem.EncodeToMemory(encrypted))
	garbage := writeFile(t, dir, "garbage.key", []byte("not a key at all"))
	brokenPEM := writeFile(t, dir, "broken.pem", []byte("-----BEGIN nothing"))

	tests := []struct {
		name       string
		cert, key  string
		passphrase []byte
		want       error
	}{
		{"missing certificate", filepath.Join(dir, "absent.pem"), janeKey, nil, ErrNoCertFound},
		{"missing key", janeCert, filepath.Join(dir, "absent.key"), nil, ErrNoKeyFound},
		{"key of another certificate", janeCert, johnKey, nil, ErrKeyMismatch},
		{"two certificates", bothCerts, janeKey, nil, ErrMultipleCerts},
		{"certificate instead of key", janeCert, janeCert, nil, ErrNoKeyFound},
		{"EC key", janeCert, ecPEM, nil, ErrUnsupportedKey},
		{"EC PEM block", janeCert, sec1, nil, ErrUnsupportedKey},
		{"encrypted without passphrase", janeCert, locked, nil, ErrDecryptionFailed},
		{"wrong passphrase", janeCert, locked, []byte("guess"), ErrDecryptionFailed},
		{"garbage key", janeCert, garbage, nil, ErrNoKeyFound},
		{"broken PEM", janeCert, brokenPEM, nil, ErrInvalidPEMBlock},
		{"garbage certificate", garbage, janeKey, nil, ErrNoCertFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := LoadIdentity(tt.cert, tt.key, tt.passphrase)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, id)
		})
	}
}

func TestNewIdentity(t *testing.T) {
	jane := issueIdentity(t, "Jane Doe")
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = NewIdentity(jane.Certificate, ecKey)
	assert.ErrorIs(t, err, ErrUnsupportedKey)
	_, err = NewIdentity(nil, jane.PrivateKey())
	assert.ErrorIs(t, err, ErrNoCertFound)
	_, err = NewIdentity(jane.Certificate, nil)
	assert.ErrorIs(t, err, ErrNoKeyFound)

	id, err := NewIdentity(jane.Certificate, jane.PrivateKey())
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(jane.Certificate), id.Fingerprint)
	assert.NotNil(t, id.Signer())
}

func TestLoadCertsFromPemDerData(t *testing.T) {
	jane := issueIdentity(t, "Jane Doe")
	john := issueIdentity(t, "John Roe")
	mixed := append(pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(jane.PrivateKey())), pemBlock("CERTIFICATE", jane.Certificate.Raw)...)
	mixed = append(mixed, pemBlock("CERTIFICATE", john.Certificate.Raw)...)

	certs, err := LoadCertsFromPemDerData(mixed)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "Jane Doe", certs[0].Subject.CommonName)
	assert.Equal(t, "John Roe", certs[1].Subject.CommonName)

	certs, err = LoadCertsFromPemDerData(jane.Certificate.Raw)
	require.NoError(t, err)
	assert.True(t, certs[0].Equal(jane.Certificate))

	for _, data := range [][]byte{nil, pemBlock("RSA PRIVATE KEY", []byte{1, 2, 3}), []byte("plain text")} {
		_, err := LoadCertsFromPemDerData(data)
		assert.ErrorIs(t, err, ErrNoCertFound)
	}
}

func TestCertPoolFromFiles(t *testing.T) {
	jane := issueIdentity(t, "Jane Doe")
	john := issueIdentity(t, "John Roe")
	dir := t.TempDir()
	pemFile := writeFile(t, dir, "jane.pem", pemBlock("CERTIFICATE", jane.Certificate.Raw))
	derFile := writeFile(t, dir, "john.der", john.Certificate.Raw)

	pool, err := CertPoolFromFiles([]string{pemFile, derFile})
	require.NoError(t, err)
	for _, id := range []*Identity{jane, john} {
		_, err := id.Certificate.Verify(x509.VerifyOptions{
			Roots:       pool,
			CurrentTime: issueTime.Add(time.Hour),
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		assert.NoError(t, err, id.CommonName())
	}

	_, err = CertPoolFromFiles([]string{pemFile, filepath.Join(dir, "absent.pem")})
	assert.ErrorIs(t, err, ErrNoCertFound)
}
