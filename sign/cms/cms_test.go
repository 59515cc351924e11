package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var signTime = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

// Helper to generate test certificate and key
func generateTestCertAndKey(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			CommonName:   "Test Signer",
			Organization: []string{"Test Org"},
		},
		NotBefore:             signTime.Add(-time.Hour),
		NotAfter:              signTime.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}

func buildTestSignature(t *testing.T, digest [32]byte) ([]byte, *x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	cert, key := generateTestCertAndKey(t)
	b := &Builder{Certificate: cert, Signer: key, Clock: clockwork.NewFakeClockAt(signTime)}
	der, err := b.Build(digest)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return der, cert, key
}

func TestBuildAndVerify(t *testing.T) {
	digest := sha256.Sum256([]byte("document bytes"))
	der, cert, _ := buildTestSignature(t, digest)

	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sd.Signer == nil || !sd.Signer.Equal(cert) {
		t.Fatal("signer certificate not found by issuer and serial")
	}
	if !sd.SignatureAlgorithm.Algorithm.Equal(OIDRSAPSS) {
		t.Errorf("signature algorithm = %v, want RSASSA-PSS", sd.SignatureAlgorithm.Algorithm)
	}
	md, err := sd.MessageDigest()
	if err != nil {
		t.Fatalf("MessageDigest failed: %v", err)
	}
	if !bytes.Equal(md, digest[:]) {
		t.Error("messageDigest attribute does not carry the document digest")
	}

	c := sd.Verify(digest)
	if !c.DigestMatches || !c.SignatureValid || c.Err != nil {
		t.Fatalf("Verify = %+v, want a valid signature", c)
	}
	if !c.SigningTime.Equal(signTime) {
		t.Errorf("signing time = %v, want %v", c.SigningTime, signTime)
	}
}

func TestPSSParameters(t *testing.T) {
	alg, err := pssAlgorithm()
	if err != nil {
		t.Fatal(err)
	}
	opts, err := pssOptions(alg.Parameters)
	if err != nil {
		t.Fatalf("pssOptions failed: %v", err)
	}
	if opts.SaltLength != PSSSaltLength || opts.Hash != crypto.SHA256 {
		t.Errorf("pss options = %+v", opts)
	}
	if _, err := pssOptions(asn1.RawValue{}); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("missing parameters: err = %v", err)
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	digest := sha256.Sum256([]byte("original"))
	der, _, _ := buildTestSignature(t, digest)
	sd, err := Parse(der)
	if err != nil {
		t.Fatal(err)
	}

	c := sd.Verify(sha256.Sum256([]byte("modified")))
	if c.DigestMatches {
		t.Error("digest of modified content should not match")
	}
	if !c.SignatureValid {
		t.Errorf("signature over the attributes is still valid, got err %v", c.Err)
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	digest := sha256.Sum256([]byte("original"))
	der, _, _ := buildTestSignature(t, digest)
	sd, err := Parse(der)
	if err != nil {
		t.Fatal(err)
	}
	sd.Signature[10] ^= 0xff

	c := sd.Verify(digest)
	if !c.DigestMatches {
		t.Error("digest should still match")
	}
	if c.SignatureValid {
		t.Error("tampered signature reported valid")
	}
	if !errors.Is(c.Err, ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", c.Err)
	}
}

func TestParseTrailingPadding(t *testing.T) {
	digest := sha256.Sum256([]byte("padded"))
	der, _, _ := buildTestSignature(t, digest)

	padded := append(bytes.Clone(der), make([]byte, 512)...)
	sd, err := Parse(padded)
	if err != nil {
		t.Fatalf("Parse with zero padding failed: %v", err)
	}
	if c := sd.Verify(digest); !c.SignatureValid || !c.DigestMatches {
		t.Errorf("Verify = %+v", c)
	}

	garbage := append(bytes.Clone(der), 0x00, 0x01)
	if _, err := Parse(garbage); !errors.Is(err, ErrMalformed) {
		t.Errorf("non-zero trailer: err = %v, want ErrMalformed", err)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zeros", make([]byte, 64)},
		{"not asn1", []byte("hello world")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestVerifyPKCS1v15(t *testing.T) {
	digest := sha256.Sum256([]byte("legacy"))
	der, _, key := buildTestSignature(t, digest)
	sd, err := Parse(der)
	if err != nil {
		t.Fatal(err)
	}

	hashed := sha256.Sum256(sd.signedAttrs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatal(err)
	}
	sd.Signature = sig
	sd.SignatureAlgorithm = AlgorithmIdentifier{Algorithm: OIDSHA256WithRSA}

	if c := sd.Verify(digest); !c.SignatureValid || !c.DigestMatches {
		t.Errorf("PKCS#1 v1.5 signature rejected: %+v", c)
	}
}

func TestBuildWithoutCertificate(t *testing.T) {
	_, key := generateTestCertAndKey(t)
	b := &Builder{Signer: key}
	if _, err := b.Build([32]byte{}); !errors.Is(err, ErrMissingCertificate) {
		t.Errorf("err = %v, want ErrMissingCertificate", err)
	}
}

func TestDerSortAttributes(t *testing.T) {
	cert, _ := generateTestCertAndKey(t)
	b := &Builder{Certificate: cert}
	attrs, err := b.signedAttributes(make([]byte, 32), signTime)
	if err != nil {
		t.Fatal(err)
	}
	sorted := derSortAttributes(attrs)
	if len(sorted) != len(attrs) {
		t.Fatalf("len = %d, want %d", len(sorted), len(attrs))
	}
	// contentType has the shortest encoding.
	if !sorted[0].Type.Equal(OIDContentType) {
		t.Errorf("first attribute = %v, want contentType", sorted[0].Type)
	}
}
