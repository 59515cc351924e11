// Package cms builds and checks the detached CMS SignedData containers
// embedded in PDF signature dictionaries.
package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// OIDs for CMS and signature algorithms
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDRSAPSS        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// PSSSaltLength is the salt length used for RSASSA-PSS signatures.
const PSSSaltLength = 32

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrMissingAttribute     = errors.New("missing signed attribute")
	ErrMalformed            = errors.New("malformed CMS structure")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedDataASN1 struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// SID is IssuerAndSerialNumber directly: SignerIdentifier is a CHOICE.
type signerInfoASN1 struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

type essCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  issuerSerial `asn1:"optional"`
}

type issuerSerial struct {
	Issuer       []asn1.RawValue
	SerialNumber *big.Int
}

type pssParameters struct {
	Hash         AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MGF          AlgorithmIdentifier `asn1:"explicit,tag:1"`
	SaltLength   int                 `asn1:"explicit,optional,tag:2,default:20"`
	TrailerField int                 `asn1:"explicit,optional,tag:3,default:1"`
}

var asn1Null = asn1.RawValue{Tag: asn1.TagNull}

func sha256Algorithm() AlgorithmIdentifier {
	return AlgorithmIdentifier{Algorithm: OIDSHA256, Parameters: asn1Null}
}

// pssAlgorithm returns RSASSA-PSS with SHA-256, MGF1-SHA-256 and explicit
// parameters.
func pssAlgorithm() (AlgorithmIdentifier, error) {
	mgfHash, err := asn1.Marshal(sha256Algorithm())
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	params, err := asn1.Marshal(pssParameters{
		Hash:         sha256Algorithm(),
		MGF:          AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: mgfHash}},
		SaltLength:   PSSSaltLength,
		TrailerField: 1,
	})
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	return AlgorithmIdentifier{Algorithm: OIDRSAPSS, Parameters: asn1.RawValue{FullBytes: params}}, nil
}

// Builder produces detached SignedData over a precomputed SHA-256 digest.
type Builder struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Clock       clockwork.Clock
	// Random defaults to crypto/rand.
	Random io.Reader
}

// Build signs digest and returns the DER ContentInfo.
func (b *Builder) Build(digest [32]byte) ([]byte, error) {
	if b.Certificate == nil || b.Signer == nil {
		return nil, ErrMissingCertificate
	}
	clock := b.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	random := b.Random
	if random == nil {
		random = rand.Reader
	}

	attrs, err := b.signedAttributes(digest[:], clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	attrs = derSortAttributes(attrs)
	toSign, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	toSign[0] = 0x31 // SET tag

	attrDigest := sha256.Sum256(toSign)
	signature, err := b.Signer.Sign(random, attrDigest[:], &rsa.PSSOptions{SaltLength: PSSSaltLength, Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	sigAlg, err := pssAlgorithm()
	if err != nil {
		return nil, err
	}
	info := struct {
		Version            int
		SID                issuerAndSerialNumber
		DigestAlgorithm    AlgorithmIdentifier
		SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
		SignatureAlgorithm AlgorithmIdentifier
		Signature          []byte
	}{
		Version: 1,
		SID: issuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
			SerialNumber: b.Certificate.SerialNumber,
		},
		DigestAlgorithm:    sha256Algorithm(),
		SignedAttrs:        attrs,
		SignatureAlgorithm: sigAlg,
		Signature:          signature,
	}
	infoDER, err := asn1.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signer info: %w", err)
	}

	sd := signedDataASN1{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{sha256Algorithm()},
		EncapContentInfo: encapsulatedContentInfo{EContentType: OIDData},
		Certificates:     []asn1.RawValue{{FullBytes: b.Certificate.Raw}},
		SignerInfos:      []asn1.RawValue{{FullBytes: infoDER}},
	}
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	})
}

func (b *Builder) signedAttributes(messageDigest []byte, signingTime time.Time) ([]Attribute, error) {
	attr := func(oid asn1.ObjectIdentifier, v any) (Attribute, error) {
		der, err := asn1.Marshal(v)
		if err != nil {
			return Attribute{}, err
		}
		return Attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: der}}}, nil
	}

	certHash := sha256.Sum256(b.Certificate.Raw)
	essCert := signingCertificateV2{Certs: []essCertIDv2{{
		CertHash: certHash[:],
		IssuerSerial: issuerSerial{
			Issuer: []asn1.RawValue{{
				Class:      asn1.ClassContextSpecific,
				Tag:        4, // directoryName
				IsCompound: true,
				Bytes:      b.Certificate.RawIssuer,
			}},
			SerialNumber: b.Certificate.SerialNumber,
		},
	}}}

	var attrs []Attribute
	for _, a := range []struct {
		oid asn1.ObjectIdentifier
		v   any
	}{
		{OIDContentType, OIDData},
		{OIDSigningTime, signingTime},
		{OIDMessageDigest, messageDigest},
		{OIDSigningCertificateV2, essCert},
	} {
		at, err := attr(a.oid, a.v)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, at)
	}
	return attrs, nil
}

// derSortAttributes orders attributes by their DER encoding, as required for
// a DER SET OF.
func derSortAttributes(attrs []Attribute) []Attribute {
	type withDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]withDER, len(attrs))
	for i, a := range attrs {
		der, _ := asn1.Marshal(a)
		sorted[i] = withDER{attr: a, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})
	out := make([]Attribute, len(attrs))
	for i, s := range sorted {
		out[i] = s.attr
	}
	return out
}

// SignedData is a parsed SignedData with a single signer.
type SignedData struct {
	Certificates       []*x509.Certificate
	Signer             *x509.Certificate
	DigestAlgorithm    AlgorithmIdentifier
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	Attributes         []Attribute

	// signedAttrs is the DER SET of signed attributes as signed.
	signedAttrs []byte
}

// Parse decodes a DER ContentInfo. Trailing zero bytes, as left by an
// oversized placeholder, are ignored.
func Parse(der []byte) (*SignedData, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, fmt.Errorf("%w: ContentInfo: %v", ErrMalformed, err)
	}
	if len(bytes.Trim(rest, "\x00")) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after ContentInfo", ErrMalformed, len(rest))
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: expected SignedData, got %v", ErrMalformed, ci.ContentType)
	}

	var sd signedDataASN1
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: SignedData: %v", ErrMalformed, err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("%w: expected one signer, got %d", ErrMalformed, len(sd.SignerInfos))
	}
	var si signerInfoASN1
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		return nil, fmt.Errorf("%w: SignerInfo: %v", ErrMalformed, err)
	}

	out := &SignedData{
		DigestAlgorithm:    si.DigestAlgorithm,
		SignatureAlgorithm: si.SignatureAlgorithm,
		Signature:          si.Signature,
	}
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			continue
		}
		out.Certificates = append(out.Certificates, cert)
		if out.Signer == nil && si.SID.SerialNumber != nil &&
			cert.SerialNumber.Cmp(si.SID.SerialNumber) == 0 &&
			bytes.Equal(cert.RawIssuer, si.SID.Issuer.FullBytes) {
			out.Signer = cert
		}
	}

	if len(si.SignedAttrs.FullBytes) > 0 {
		out.signedAttrs = bytes.Clone(si.SignedAttrs.FullBytes)
		out.signedAttrs[0] = 0x31 // SET tag replaces the implicit [0]
		for rest := si.SignedAttrs.Bytes; len(rest) > 0; {
			var a Attribute
			rest, err = asn1.Unmarshal(rest, &a)
			if err != nil {
				return nil, fmt.Errorf("%w: signed attribute: %v", ErrMalformed, err)
			}
			out.Attributes = append(out.Attributes, a)
		}
	}
	return out, nil
}

func (s *SignedData) attribute(oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	for _, a := range s.Attributes {
		if a.Type.Equal(oid) && len(a.Values) > 0 {
			return a.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}

// MessageDigest returns the messageDigest attribute.
func (s *SignedData) MessageDigest() ([]byte, error) {
	raw, ok := s.attribute(OIDMessageDigest)
	if !ok {
		return nil, fmt.Errorf("%w: messageDigest", ErrMissingAttribute)
	}
	var md []byte
	if _, err := asn1.Unmarshal(raw.FullBytes, &md); err != nil {
		return nil, fmt.Errorf("%w: messageDigest: %v", ErrMalformed, err)
	}
	return md, nil
}

// SigningTime returns the signingTime attribute. ok is false when absent.
func (s *SignedData) SigningTime() (t time.Time, ok bool) {
	raw, found := s.attribute(OIDSigningTime)
	if !found {
		return time.Time{}, false
	}
	if _, err := asn1.Unmarshal(raw.FullBytes, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Check is the outcome of verifying a SignedData against a document digest.
// DigestMatches and SignatureValid are independent.
type Check struct {
	DigestMatches  bool
	SignatureValid bool
	Signer         *x509.Certificate
	SigningTime    time.Time
	Err            error
}

// Verify compares the messageDigest attribute with digest and checks the
// signature over the signed attributes with the embedded signer certificate.
func (s *SignedData) Verify(digest [32]byte) Check {
	c := Check{Signer: s.Signer}
	c.SigningTime, _ = s.SigningTime()

	var errs []error
	if !s.DigestAlgorithm.Algorithm.Equal(OIDSHA256) {
		errs = append(errs, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, s.DigestAlgorithm.Algorithm))
	} else if md, err := s.MessageDigest(); err != nil {
		errs = append(errs, err)
	} else {
		c.DigestMatches = bytes.Equal(md, digest[:])
	}

	if err := s.verifySignature(); err != nil {
		errs = append(errs, err)
	} else {
		c.SignatureValid = true
	}
	c.Err = errors.Join(errs...)
	return c
}

func (s *SignedData) verifySignature() error {
	if s.Signer == nil {
		return ErrMissingCertificate
	}
	if s.signedAttrs == nil {
		return fmt.Errorf("%w: no signed attributes", ErrMissingAttribute)
	}
	if ct, ok := s.attribute(OIDContentType); ok {
		var oid asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(ct.FullBytes, &oid); err != nil || !oid.Equal(OIDData) {
			return fmt.Errorf("%w: content type is not id-data", ErrInvalidSignature)
		}
	}
	pub, ok := s.Signer.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signer key %T", ErrUnsupportedAlgorithm, s.Signer.PublicKey)
	}
	hashed := sha256.Sum256(s.signedAttrs)

	alg := s.SignatureAlgorithm.Algorithm
	switch {
	case alg.Equal(OIDRSAPSS):
		opts, err := pssOptions(s.SignatureAlgorithm.Parameters)
		if err != nil {
			return err
		}
		if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], s.Signature, opts); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case alg.Equal(OIDRSAEncryption), alg.Equal(OIDSHA256WithRSA):
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], s.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	default:
		return fmt.Errorf("%w: signature %v", ErrUnsupportedAlgorithm, alg)
	}
	return nil
}

func pssOptions(raw asn1.RawValue) (*rsa.PSSOptions, error) {
	if len(raw.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: RSASSA-PSS without parameters", ErrUnsupportedAlgorithm)
	}
	var p pssParameters
	if _, err := asn1.Unmarshal(raw.FullBytes, &p); err != nil {
		return nil, fmt.Errorf("%w: PSS parameters: %v", ErrMalformed, err)
	}
	if !p.Hash.Algorithm.Equal(OIDSHA256) || !p.MGF.Algorithm.Equal(OIDMGF1) {
		return nil, fmt.Errorf("%w: PSS with %v/%v", ErrUnsupportedAlgorithm, p.Hash.Algorithm, p.MGF.Algorithm)
	}
	var mgfHash AlgorithmIdentifier
	if _, err := asn1.Unmarshal(p.MGF.Parameters.FullBytes, &mgfHash); err != nil || !mgfHash.Algorithm.Equal(OIDSHA256) {
		return nil, fmt.Errorf("%w: MGF1 hash", ErrUnsupportedAlgorithm)
	}
	return &rsa.PSSOptions{SaltLength: p.SaltLength, Hash: crypto.SHA256}, nil
}
