package signers

import (
	"crypto/x509"
	"strconv"
)

// DefaultMD is the only message digest used for signatures.
const DefaultMD = "sha256"

// Signature dictionary values.
const (
	DefaultSigFilter    = "Adobe.PPKLite"
	DefaultSigSubFilter = "adbe.pkcs7.detached"
)

// FieldNamePrefix is followed by the signature ordinal, e.g. Signature1.
const FieldNamePrefix = "Signature"

// DefaultPlaceholderReserve is added to the certificate size to get the
// default /Contents placeholder size in bytes.
const DefaultPlaceholderReserve = 8192

// DefaultSignerKeyUsage lists the key usages of which a signer certificate
// must allow at least one when it carries a KeyUsage extension.
var DefaultSignerKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment

// fieldName returns the name of the signature field with the given ordinal.
func fieldName(ordinal int) string {
	return FieldNamePrefix + strconv.Itoa(ordinal)
}
