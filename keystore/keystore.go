// Package keystore keeps signing identities on disk, keyed by certificate
// fingerprint. Private keys are sealed with AES-256-GCM under a key derived
// from a passphrase with argon2id; certificates stay readable so the store
// can be listed without the passphrase.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/casamonarca/pdfsigner/internal/atomicwrite"
	"github.com/casamonarca/pdfsigner/internal/logger"
	"github.com/casamonarca/pdfsigner/keys"
)

// Keystore errors
var (
	ErrNotFound           = errors.New("identity not found")
	ErrDecrypt            = errors.New("cannot decrypt identity: wrong passphrase or corrupted file")
	ErrNoPassphrase       = errors.New("keystore passphrase is empty")
	ErrInvalidFingerprint = errors.New("fingerprint must be 64 hexadecimal characters")
	ErrKDFParams          = errors.New("argon2id parameters out of bounds")
)

const (
	envelopeVersion = 1
	saltSize        = 16
	nonceSize       = 12
	keySize         = 32
	fileExt         = ".json"
)

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Memory      uint32 `json:"memory_kib"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDFParams follow the argon2id recommendation for interactive use.
var DefaultKDFParams = KDFParams{Memory: 64 * 1024, Time: 3, Parallelism: 1}

// MaxKDFParams bounds the cost a keystore file may ask for. Files above it
// are rejected before any key derivation.
var MaxKDFParams = KDFParams{Memory: 1024 * 1024, Time: 16, Parallelism: 16}

func (p KDFParams) check() error {
	if p.Memory < 8*uint32(p.Parallelism) || p.Time < 1 || p.Parallelism < 1 {
		return fmt.Errorf("%w: %+v", ErrKDFParams, p)
	}
	if p.Memory > MaxKDFParams.Memory || p.Time > MaxKDFParams.Time || p.Parallelism > MaxKDFParams.Parallelism {
		return fmt.Errorf("%w: %+v exceeds %+v", ErrKDFParams, p, MaxKDFParams)
	}
	return nil
}

// PutResult tells whether Put wrote a new file.
type PutResult int

const (
	Created PutResult = iota
	AlreadyExists
)

func (r PutResult) String() string {
	if r == AlreadyExists {
		return "already_exists"
	}
	return "created"
}

// LookupStatus tells whether Get found an identity.
type LookupStatus int

const (
	NotFound LookupStatus = iota
	Found
)

// LookupResult is returned by Get.
type LookupResult struct {
	Status   LookupStatus
	Identity *keys.Identity
}

type envelope struct {
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Certificate string    `json:"certificate"`
	KDF         KDFParams `json:"kdf"`
	Salt        string    `json:"salt"`
	Nonce       string    `json:"nonce"`
	Ciphertext  string    `json:"ciphertext"`
}

type secret struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Store is a directory of encrypted identities.
type Store struct {
	dir        string
	passphrase []byte
	params     KDFParams
	random     io.Reader
	log        *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKDFParams overrides the argon2id cost for newly written files.
func WithKDFParams(p KDFParams) Option {
	return func(s *Store) { s.params = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens the store in dir, creating it if needed.
func New(dir, passphrase string, opts ...Option) (*Store, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	s := &Store{
		dir:        dir,
		passphrase: []byte(passphrase),
		params:     DefaultKDFParams,
		random:     rand.Reader,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.params.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(fp string) (string, error) {
	fp = strings.ToLower(strings.TrimSpace(fp))
	if !fingerprintRe.MatchString(fp) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	return filepath.Join(s.dir, fp+fileExt), nil
}

func (s *Store) aead(salt []byte, p KDFParams) (cipher.AEAD, error) {
	key := argon2.IDKey(s.passphrase, salt, p.Time, p.Memory, p.Parallelism, keySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Put stores id. An identity that is already present is left untouched.
func (s *Store) Put(id *keys.Identity) (PutResult, error) {
	path, err := s.path(id.Fingerprint)
	if err != nil {
		return Created, err
	}
	if _, err := os.Stat(path); err == nil {
		return AlreadyExists, nil
	}

	certB64 := keys.EncodeCertificate(id.Certificate)
	keyB64, err := keys.EncodePrivateKey(id)
	if err != nil {
		return Created, err
	}
	plain, err := json.Marshal(secret{Cert: certB64, Key: keyB64})
	if err != nil {
		return Created, err
	}

	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.random, salt); err != nil {
		return Created, fmt.Errorf("salt random: %w", err)
	}
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return Created, fmt.Errorf("nonce random: %w", err)
	}
	aead, err := s.aead(salt, s.params)
	if err != nil {
		return Created, err
	}
	env := envelope{
		Version:     envelopeVersion,
		Fingerprint: id.Fingerprint,
		Certificate: certB64,
		KDF:         s.params,
		Salt:        base64.StdEncoding.EncodeToString(salt),
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		// The fingerprint is bound as additional data so files cannot be swapped.
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, []byte(id.Fingerprint))),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return Created, err
	}
	if err := atomicwrite.WriteFile(path, data, 0o600); err != nil {
		return Created, err
	}
	s.log.Info("identity stored", logger.Fingerprint(id.Fingerprint))
	return Created, nil
}

func (s *Store) readEnvelope(fp string) (*envelope, error) {
	path, err := s.path(fp)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
		}
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported keystore file version %d", env.Version)
	}
	if err := env.KDF.check(); err != nil {
		return nil, err
	}
	if filepath.Base(path) != env.Fingerprint+fileExt {
		return nil, fmt.Errorf("%w: file %s holds %s", ErrDecrypt, filepath.Base(path), env.Fingerprint)
	}
	return &env, nil
}

// Get loads and decrypts the identity with fingerprint fp.
func (s *Store) Get(fp string) (LookupResult, error) {
	env, err := s.readEnvelope(fp)
	if errors.Is(err, ErrNotFound) {
		return LookupResult{Status: NotFound}, nil
	}
	if err != nil {
		return LookupResult{}, err
	}

	salt, err1 := base64.StdEncoding.DecodeString(env.Salt)
	nonce, err2 := base64.StdEncoding.DecodeString(env.Nonce)
	ct, err3 := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err := errors.Join(err1, err2, err3); err != nil || len(nonce) != nonceSize {
		return LookupResult{}, fmt.Errorf("%w: bad envelope encoding", ErrDecrypt)
	}
	aead, err := s.aead(salt, env.KDF)
	if err != nil {
		return LookupResult{}, err
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(env.Fingerprint))
	if err != nil {
		return LookupResult{}, ErrDecrypt
	}
	var sec secret
	if err := json.Unmarshal(plain, &sec); err != nil {
		return LookupResult{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	id, err := keys.DecodeIdentity(sec.Cert, sec.Key)
	if err != nil {
		return LookupResult{}, err
	}
	if id.Fingerprint != env.Fingerprint {
		return LookupResult{}, fmt.Errorf("%w: certificate does not match file", ErrDecrypt)
	}
	return LookupResult{Status: Found, Identity: id}, nil
}

// Load is Get that reports a missing identity as ErrNotFound.
func (s *Store) Load(fp string) (*keys.Identity, error) {
	res, err := s.Get(fp)
	if err != nil {
		return nil, err
	}
	if res.Status == NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
	}
	return res.Identity, nil
}

// List describes every stored certificate, sorted by common name.
func (s *Store) List() ([]keys.CertificateInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []keys.CertificateInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		env, err := s.readEnvelope(strings.TrimSuffix(name, fileExt))
		if err != nil {
			s.log.Warn("skipping unreadable keystore entry", zap.String("file", name), zap.Error(err))
			continue
		}
		cert, err := keys.DecodeCertificate(env.Certificate)
		if err != nil {
			s.log.Warn("skipping keystore entry with bad certificate", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, keys.DescribeCertificate(cert))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommonName != out[j].CommonName {
			return out[i].CommonName < out[j].CommonName
		}
		return out[i].FingerprintSHA256 < out[j].FingerprintSHA256
	})
	return out, nil
}

// Delete removes the identity with fingerprint fp.
func (s *Store) Delete(fp string) error {
	path, err := s.path(fp)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, fp)
		}
		return err
	}
	s.log.Info("identity deleted", logger.Fingerprint(fp))
	return nil
}
