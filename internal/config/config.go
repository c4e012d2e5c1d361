// Package config loads the keystone configuration file and the server key.
//
// Both live in the data directory. They are opened TOCTOU-safely: symlinks
// are rejected, permissions and ownership are checked on the open file
// descriptor before any content is read.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/keystone/pkg/access"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/recovery"
)

// File names and locations
const (
	FileName          = "keystone.yaml"
	ServerKeyFileName = "server.key"
	DefaultDirName    = ".keystone"
	EnvDataDir        = "KEYSTONE_DATA_DIR"

	// ServerKeyLength is the size of the server secret in bytes.
	ServerKeyLength = 32
)

// Storage drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Errors
var (
	ErrInsecure       = errors.New("config: file has insecure permissions")
	ErrSymlink        = errors.New("config: file is a symlink")
	ErrNotOwnedByUser = errors.New("config: file not owned by current user")
	ErrInvalid        = errors.New("config: invalid configuration")
	ErrInvalidKeyFile = errors.New("config: invalid server key file")
	errFileNotFound   = errors.New("config: file not found")
)

const (
	supportedVersion   = 1
	defaultListenAddr  = "127.0.0.1:8420"
	defaultRateLimit   = 5.0
	defaultRateBurst   = 10
	defaultHTTPTimeout = 15 * time.Second
)

// SessionConfig bounds recovery sessions and derivation concurrency.
type SessionConfig struct {
	Timeout                  time.Duration `yaml:"timeout"`
	SweepInterval            time.Duration `yaml:"sweep_interval"`
	MaxConcurrentDerivations int           `yaml:"max_concurrent_derivations"`
}

// PolicyConfig is the default access policy applied at enrollment.
type PolicyConfig struct {
	Weights             map[string]int `yaml:"weights"`
	Threshold           int            `yaml:"threshold"`
	Required            []string       `yaml:"required"`
	AllowKeystoneBypass bool           `yaml:"allow_keystone_bypass"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second per client IP
	RateBurst       int           `yaml:"rate_burst"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // relative paths are resolved against the data dir
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// Config is the keystone.yaml schema.
type Config struct {
	Version int                    `yaml:"version"`
	KDF     crypto.Params          `yaml:"kdf"`
	Lockout keystone.LockoutConfig `yaml:"lockout"`
	Session SessionConfig          `yaml:"session"`
	Policy  PolicyConfig           `yaml:"policy"`
	Server  ServerConfig           `yaml:"server"`
	Audit   AuditConfig            `yaml:"audit"`
	Storage StorageConfig          `yaml:"storage"`
}

// DefaultPolicy returns weights {image:2, question:1..4:1, phrase:3} at
// threshold 3 with no required kinds.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Weights: map[string]int{
			string(factor.Image):       2,
			string(factor.Question(1)): 1,
			string(factor.Question(2)): 1,
			string(factor.Question(3)): 1,
			string(factor.Question(4)): 1,
			string(factor.Phrase):      3,
		},
		Threshold: 3,
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version: supportedVersion,
		KDF:     crypto.DefaultParams(),
		Lockout: keystone.DefaultLockout(),
		Session: SessionConfig{
			Timeout:       recovery.DefaultSessionTimeout,
			SweepInterval: recovery.DefaultSweepInterval,
		},
		Policy: DefaultPolicy(),
		Server: ServerConfig{
			ListenAddr:      defaultListenAddr,
			RateLimit:       defaultRateLimit,
			RateBurst:       defaultRateBurst,
			ReadTimeout:     defaultHTTPTimeout,
			WriteTimeout:    defaultHTTPTimeout,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Audit:   AuditConfig{Enabled: true, Path: "audit"},
		Storage: StorageConfig{Driver: DriverSQLite},
	}
}

// DataDir resolves the data directory: flag value, then $KEYSTONE_DATA_DIR,
// then ~/.keystone.
func DataDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(EnvDataDir); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Load reads keystone.yaml from dataDir. A missing file yields Default().
// Fields absent from the file keep their defaults.
func Load(dataDir string) (*Config, error) {
	content, err := readSecureFile(filepath.Join(dataDir, FileName))
	if errors.Is(err, errFileNotFound) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes and validates a configuration document.
func Parse(content []byte) (*Config, error) {
	cfg := Default()
	// A weights map in the file replaces the default one instead of merging.
	cfg.Policy.Weights = nil
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse: %v", ErrInvalid, err)
	}
	if cfg.Version != supportedVersion {
		return nil, fmt.Errorf("%w: unsupported version: %d", ErrInvalid, cfg.Version)
	}
	if cfg.Policy.Weights == nil {
		cfg.Policy.Weights = DefaultPolicy().Weights
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if c.KDF.Time < 1 || c.KDF.Threads < 1 || c.KDF.Memory < 8*uint32(c.KDF.Threads) {
		return fmt.Errorf("%w: kdf parameters too weak or malformed", ErrInvalid)
	}

	for name, l := range map[string]keystone.KindLimit{"image": c.Lockout.Image, "question": c.Lockout.Question, "phrase": c.Lockout.Phrase} {
		if l.MaxAttempts < 0 || l.Window < 0 {
			return fmt.Errorf("%w: lockout.%s must not be negative", ErrInvalid, name)
		}
	}
	if c.Lockout.BackoffBase < 0 || c.Lockout.BackoffMax < 0 || c.Lockout.AccountMaxFailures < 0 || c.Lockout.AccountWindow < 0 {
		return fmt.Errorf("%w: lockout values must not be negative", ErrInvalid)
	}

	if c.Session.Timeout <= 0 || c.Session.SweepInterval <= 0 || c.Session.MaxConcurrentDerivations < 0 {
		return fmt.Errorf("%w: session timeout and sweep interval must be positive", ErrInvalid)
	}

	p, err := c.Policy.Policy()
	if err != nil {
		return err
	}
	if w, ok := p.Weights[factor.Image]; ok && w >= p.Threshold && !c.Policy.AllowKeystoneBypass {
		return fmt.Errorf("%w: image weight %d reaches the threshold; set allow_keystone_bypass to permit it", ErrInvalid, w)
	}
	if w, ok := p.Weights[factor.Phrase]; ok && w != p.Threshold {
		return fmt.Errorf("%w: phrase weight must equal the threshold", ErrInvalid)
	}

	if c.Server.ListenAddr == "" || c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("%w: server listen_addr, rate_limit or rate_burst", ErrInvalid)
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}
	return nil
}

// Policy converts the configured weights into an access policy.
func (p PolicyConfig) Policy() (access.Policy, error) {
	out := access.Policy{
		Weights:   make(map[factor.Kind]int, len(p.Weights)),
		Threshold: p.Threshold,
	}
	for name, w := range p.Weights {
		k, err := factor.ParseKind(name)
		if err != nil {
			return out, fmt.Errorf("%w: policy.weights: %v", ErrInvalid, err)
		}
		out.Weights[k] = w
	}
	for _, name := range p.Required {
		k, err := factor.ParseKind(name)
		if err != nil {
			return out, fmt.Errorf("%w: policy.required: %v", ErrInvalid, err)
		}
		out.Required = append(out.Required, k)
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

// AuditPath returns the audit directory, resolved against dataDir.
func (c *Config) AuditPath(dataDir string) string {
	if filepath.IsAbs(c.Audit.Path) {
		return c.Audit.Path
	}
	return filepath.Join(dataDir, c.Audit.Path)
}

// LoadServerKey reads the server secret from dataDir, creating it with
// mode 0600 on first use. The key seals grid hints and keys the audit
// chain; losing it makes existing image hints unreadable.
func LoadServerKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, ServerKeyFileName)

	key, err := readSecureFile(path)
	if err == nil {
		if len(key) != ServerKeyLength {
			crypto.SecureWipe(key)
			return nil, fmt.Errorf("%w: expected %d bytes", ErrInvalidKeyFile, ServerKeyLength)
		}
		return key, nil
	}
	if !errors.Is(err, errFileNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("config: failed to create data directory: %w", err)
	}
	key = make([]byte, ServerKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: failed to generate server key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Another process created it first.
			return LoadServerKey(dataDir)
		}
		return nil, fmt.Errorf("config: failed to create server key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("config: failed to write server key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("config: failed to sync server key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("config: failed to close server key: %w", err)
	}
	return key, nil
}

// readSecureFile opens path without following symlinks and verifies mode
// 0600 and ownership on the open descriptor before reading.
func readSecureFile(path string) ([]byte, error) {
	f, err := openSecureFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat %s: %w", filepath.Base(path), err)
	}
	if err := checkFilePermissions(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", filepath.Base(path), err)
	}
	return content, nil
}
