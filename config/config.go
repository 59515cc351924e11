// Package config loads pdfsigner settings from a YAML file, an optional
// .env file and PDFSIGNER_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/casamonarca/pdfsigner/internal/logger"
	"github.com/casamonarca/pdfsigner/keys"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidValue         = errors.New("invalid value")
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PDFSIGNER_"

// DefaultFile is looked up when no config path is given.
const DefaultFile = "pdfsigner.yaml"

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

// IssuerConfig controls newly issued identities.
type IssuerConfig struct {
	KeyBits            int    `yaml:"key-bits" json:"key_bits"`
	Country            string `yaml:"country" json:"country"`
	Organization       string `yaml:"organization" json:"organization"`
	OrganizationalUnit string `yaml:"organizational-unit" json:"organizational_unit"`
	ValidityDays       int    `yaml:"validity-days" json:"validity_days"`
}

// Subject returns the organisational subject defaults.
func (c *IssuerConfig) Subject() keys.SubjectDefaults {
	return keys.SubjectDefaults{
		Country:            c.Country,
		Organization:       c.Organization,
		OrganizationalUnit: c.OrganizationalUnit,
	}
}

// SigningConfig controls the signer.
type SigningConfig struct {
	// PlaceholderSize is the /Contents reservation in bytes; 0 sizes it
	// from the certificate.
	PlaceholderSize int `yaml:"placeholder-size" json:"placeholder_size"`

	// DefaultMaxSigners applies to documents without /MaxSigners; 0 makes
	// such documents unsignable.
	DefaultMaxSigners int `yaml:"default-max-signers" json:"default_max_signers"`

	Reason   string `yaml:"reason" json:"reason,omitempty"`
	Location string `yaml:"location" json:"location,omitempty"`
}

// ValidationConfig contains validation configuration.
type ValidationConfig struct {
	// TrustRoots are PEM or DER files with trusted certificates.
	TrustRoots []string `yaml:"trust-roots" json:"trust_roots,omitempty"`
}

// TrustPool loads TrustRoots. It returns nil when none are configured.
func (c *ValidationConfig) TrustPool() (*x509.CertPool, error) {
	if len(c.TrustRoots) == 0 {
		return nil, nil
	}
	return keys.CertPoolFromFiles(c.TrustRoots)
}

// KeystoreConfig locates the encrypted identity store.
type KeystoreConfig struct {
	Dir string `yaml:"dir" json:"dir"`

	// PassphraseEnv names the environment variable holding the passphrase.
	// The passphrase itself never lives in the file.
	PassphraseEnv string `yaml:"passphrase-env" json:"passphrase_env"`
}

// Passphrase reads the passphrase from the environment.
func (c *KeystoreConfig) Passphrase() string {
	return os.Getenv(c.PassphraseEnv)
}

// StorageConfig selects the document store.
type StorageConfig struct {
	Backend  string `yaml:"backend" json:"backend"`
	Dir      string `yaml:"dir" json:"dir,omitempty"`
	Bucket   string `yaml:"bucket" json:"bucket,omitempty"`
	Prefix   string `yaml:"prefix" json:"prefix,omitempty"`
	Region   string `yaml:"region" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// LockConfig selects the document locker.
type LockConfig struct {
	Backend       string        `yaml:"backend" json:"backend"`
	RedisAddr     string        `yaml:"redis-addr" json:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis-password" json:"-"`
	RedisDB       int           `yaml:"redis-db" json:"redis_db"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read-timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write-timeout" json:"write_timeout"`
	MaxBodyBytes int64         `yaml:"max-body-bytes" json:"max_body_bytes"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Logger converts the section into a logger.Config.
func (c *LoggingConfig) Logger(service, version string) logger.Config {
	env := "dev"
	if c.Format == "json" {
		env = "prod"
	}
	return logger.Config{
		Env:         env,
		Level:       c.Level,
		ServiceName: service,
		Version:     version,
		OutputPaths: []string{c.Output},
	}
}

// Config contains the complete application configuration.
type Config struct {
	Issuer     IssuerConfig     `yaml:"issuer" json:"issuer"`
	Signing    SigningConfig    `yaml:"signing" json:"signing"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Keystore   KeystoreConfig   `yaml:"keystore" json:"keystore"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Lock       LockConfig       `yaml:"lock" json:"lock"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Issuer.KeyBits == 0 {
		c.Issuer.KeyBits = keys.MinKeyBits
	}
	if c.Issuer.Country == "" && c.Issuer.Organization == "" && c.Issuer.OrganizationalUnit == "" {
		c.Issuer.Country = keys.DefaultSubject.Country
		c.Issuer.Organization = keys.DefaultSubject.Organization
		c.Issuer.OrganizationalUnit = keys.DefaultSubject.OrganizationalUnit
	}
	if c.Issuer.ValidityDays == 0 {
		c.Issuer.ValidityDays = 365
	}
	if c.Keystore.Dir == "" {
		c.Keystore.Dir = "keystore"
	}
	if c.Keystore.PassphraseEnv == "" {
		c.Keystore.PassphraseEnv = EnvPrefix + "KEYSTORE_PASSPHRASE"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "fs"
	}
	if c.Storage.Backend == "fs" && c.Storage.Dir == "" {
		c.Storage.Dir = "documents"
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "local"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 30 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 60 * time.Second
	}
	if c.HTTP.MaxBodyBytes == 0 {
		c.HTTP.MaxBodyBytes = 32 << 20
	}
	c.Logging.SetDefaults()
}

// Validate checks the whole configuration and returns the first problem.
func (c *Config) Validate() error {
	switch {
	case c.Issuer.KeyBits < keys.MinKeyBits:
		return invalid("issuer.key-bits", "must be at least %d, got %d", keys.MinKeyBits, c.Issuer.KeyBits)
	case c.Issuer.ValidityDays < 1:
		return invalid("issuer.validity-days", "must be positive, got %d", c.Issuer.ValidityDays)
	case c.Signing.PlaceholderSize < 0:
		return invalid("signing.placeholder-size", "must not be negative")
	case c.Signing.DefaultMaxSigners < 0:
		return invalid("signing.default-max-signers", "must not be negative")
	case c.Keystore.PassphraseEnv == "":
		return missing("keystore.passphrase-env")
	}

	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Dir == "" {
			return missing("storage.dir")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return missing("storage.bucket")
		}
	default:
		return invalid("storage.backend", "must be fs or s3, got %q", c.Storage.Backend)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return missing("lock.redis-addr")
		}
	default:
		return invalid("lock.backend", "must be local or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.TTL < time.Second {
		return invalid("lock.ttl", "must be at least 1s, got %s", c.Lock.TTL)
	}

	if c.HTTP.Addr == "" {
		return missing("http.addr")
	}
	if c.HTTP.MaxBodyBytes < 1 {
		return invalid("http.max-body-bytes", "must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", "unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return invalid("logging.format", "must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error(), Err: ErrConfigurationError}
	}
	return &c, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (skipped when empty), applies environment overrides,
// defaults and validation.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if c, err = Parse(data); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type envBinding struct {
	name string
	set  func(string) error
}

func str(name string, p *string) envBinding {
	return envBinding{name, func(v string) error { *p = v; return nil }}
}

func integer(name string, p *int) envBinding {
	return envBinding{name, func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(name, "not an integer: %q", v)
		}
		*p = n
		return nil
	}}
}

func integer64(name string, p *int64) envBinding {
	return envBinding{name, func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return invalid(name, "not an integer: %q", v)
		}
		*p = n
		return nil
	}}
}

func duration(name string, p *time.Duration) envBinding {
	return envBinding{name, func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid(name, "not a duration: %q", v)
		}
		*p = d
		return nil
	}}
}

func list(name string, p *[]string) envBinding {
	return envBinding{name, func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*p = out
		return nil
	}}
}

func (c *Config) bindings() []envBinding {
	p := EnvPrefix
	return []envBinding{
		integer(p+"ISSUER_KEY_BITS", &c.Issuer.KeyBits),
		str(p+"ISSUER_COUNTRY", &c.Issuer.Country),
		str(p+"ISSUER_ORGANIZATION", &c.Issuer.Organization),
		str(p+"ISSUER_ORGANIZATIONAL_UNIT", &c.Issuer.OrganizationalUnit),
		integer(p+"ISSUER_VALIDITY_DAYS", &c.Issuer.ValidityDays),
		integer(p+"SIGNING_PLACEHOLDER_SIZE", &c.Signing.PlaceholderSize),
		integer(p+"SIGNING_DEFAULT_MAX_SIGNERS", &c.Signing.DefaultMaxSigners),
		str(p+"SIGNING_REASON", &c.Signing.Reason),
		str(p+"SIGNING_LOCATION", &c.Signing.Location),
		list(p+"VALIDATION_TRUST_ROOTS", &c.Validation.TrustRoots),
		str(p+"KEYSTORE_DIR", &c.Keystore.Dir),
		str(p+"KEYSTORE_PASSPHRASE_ENV", &c.Keystore.PassphraseEnv),
		str(p+"STORAGE_BACKEND", &c.Storage.Backend),
		str(p+"STORAGE_DIR", &c.Storage.Dir),
		str(p+"STORAGE_BUCKET", &c.Storage.Bucket),
		str(p+"STORAGE_PREFIX", &c.Storage.Prefix),
		str(p+"STORAGE_REGION", &c.Storage.Region),
		str(p+"STORAGE_ENDPOINT", &c.Storage.Endpoint),
		str(p+"LOCK_BACKEND", &c.Lock.Backend),
		str(p+"LOCK_REDIS_ADDR", &c.Lock.RedisAddr),
		str(p+"LOCK_REDIS_PASSWORD", &c.Lock.RedisPassword),
		integer(p+"LOCK_REDIS_DB", &c.Lock.RedisDB),
		duration(p+"LOCK_TTL", &c.Lock.TTL),
		str(p+"HTTP_ADDR", &c.HTTP.Addr),
		duration(p+"HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout),
		duration(p+"HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout),
		integer64(p+"HTTP_MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes),
		str(p+"LOGGING_LEVEL", &c.Logging.Level),
		str(p+"LOGGING_FORMAT", &c.Logging.Format),
		str(p+"LOGGING_OUTPUT", &c.Logging.Output),
	}
}

// ApplyEnv overrides fields from the variables lookup reports as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return err
		}
	}
	return nil
}

// EnvNames lists every supported override.
func EnvNames() []string {
	var c Config
	bs := c.bindings()
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.name
	}
	return out
}
