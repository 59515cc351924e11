package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/unicode/norm"
)

// Issuer errors
var (
	ErrInvalidIssueRequest = errors.New("invalid issue request")
	ErrKeyGeneration       = errors.New("key generation failed")
)

// MinKeyBits is the smallest RSA modulus the issuer accepts.
const MinKeyBits = 2048

// SubjectDefaults fills the organisational part of issued subjects.
type SubjectDefaults struct {
	Country            string
	Organization       string
	OrganizationalUnit string
}

// DefaultSubject is used when no SubjectDefaults option is given.
var DefaultSubject = SubjectDefaults{
	Country:            "MX",
	Organization:       "Casa Monarca",
	OrganizationalUnit: "General",
}

// IssueRequest names the holder of a new identity.
type IssueRequest struct {
	CommonName   string
	Email        string
	ValidityDays int
}

// Issuer creates self-signed signing identities.
type Issuer struct {
	clock   clockwork.Clock
	random  io.Reader
	keyBits int
	subject SubjectDefaults
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer) error

// WithClock sets the clock used for validity windows.
func WithClock(c clockwork.Clock) IssuerOption {
	return func(i *Issuer) error {
		i.clock = c
		return nil
	}
}

// WithRandom sets the entropy source for keys and serials.
func WithRandom(r io.Reader) IssuerOption {
	return func(i *Issuer) error {
		i.random = r
		return nil
	}
}

// WithKeyBits sets the RSA modulus size.
func WithKeyBits(bits int) IssuerOption {
	return func(i *Issuer) error {
		if bits < MinKeyBits {
			return fmt.Errorf("key size %d is below the minimum of %d bits", bits, MinKeyBits)
		}
		i.keyBits = bits
		return nil
	}
}

// WithSubjectDefaults overrides the organisational subject attributes.
func WithSubjectDefaults(s SubjectDefaults) IssuerOption {
	return func(i *Issuer) error {
		i.subject = s
		return nil
	}
}

// NewIssuer creates an issuer.
func NewIssuer(opts ...IssuerOption) (*Issuer, error) {
	i := &Issuer{
		clock:   clockwork.NewRealClock(),
		random:  rand.Reader,
		keyBits: MinKeyBits,
		subject: DefaultSubject,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

func (r IssueRequest) normalize() (IssueRequest, error) {
	r.CommonName = norm.NFC.String(strings.TrimSpace(r.CommonName))
	r.Email = norm.NFC.String(strings.TrimSpace(r.Email))
	switch {
	case r.CommonName == "":
		return r, fmt.Errorf("%w: common name is required", ErrInvalidIssueRequest)
	case r.Email == "":
		return r, fmt.Errorf("%w: email is required", ErrInvalidIssueRequest)
	case !strings.Contains(r.Email, "@"):
		return r, fmt.Errorf("%w: email %q has no domain", ErrInvalidIssueRequest, r.Email)
	case r.ValidityDays <= 0:
		return r, fmt.Errorf("%w: validity days must be positive, got %d", ErrInvalidIssueRequest, r.ValidityDays)
	}
	return r, nil
}

// Issue generates an RSA key and a self-signed certificate valid from now
// for req.ValidityDays days. The key may only sign digital signatures and
// content commitments.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Identity, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(i.random, i.keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	serial, err := randomSerial(i.random)
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %v", ErrKeyGeneration, err)
	}
	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	name := i.subjectName(req)
	now := i.clock.Now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(req.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		IsCA:                  false,
		EmailAddresses:        []string{req.Email},
		SubjectKeyId:          ski,
	}

	der, err := x509.CreateCertificate(i.random, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %v", ErrKeyGeneration, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %v", ErrKeyGeneration, err)
	}
	return &Identity{Certificate: cert, Fingerprint: Fingerprint(cert), key: key}, nil
}

func (i *Issuer) subjectName(req IssueRequest) pkix.Name {
	name := pkix.Name{
		CommonName: req.CommonName,
		ExtraNames: []pkix.AttributeTypeAndValue{{Type: oidEmailAddress, Value: req.Email}},
	}
	if i.subject.Country != "" {
		name.Country = []string{i.subject.Country}
	}
	if i.subject.Organization != "" {
		name.Organization = []string{i.subject.Organization}
	}
	if i.subject.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{i.subject.OrganizationalUnit}
	}
	return name
}

// randomSerial draws a positive 128-bit serial number.
func randomSerial(r io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	for {
		n, err := rand.Int(r, limit)
		if err != nil {
			return nil, err
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

// subjectKeyID follows RFC 5280 method 1: SHA-1 of the public key bits.
func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}
