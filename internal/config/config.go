// Package config loads dagstate configuration from YAML or CUE files.
//
// Files are overlaid on Default() and validated before use. Unknown YAML
// keys are rejected.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/telemetry"
)

// Config is the root configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage" json:"storage"`
	Log       LogConfig        `yaml:"log" json:"log"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	GC        GCConfig         `yaml:"gc" json:"gc"`
	Boundary  BoundaryConfig   `yaml:"boundary" json:"boundary"`
	API       APIConfig        `yaml:"api" json:"api"`
	Scripts   []ScriptConfig   `yaml:"scripts" json:"scripts" validate:"dive"`
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	// Backend is one of sqlite, memory, badger, bolt.
	Backend string `yaml:"backend" json:"backend" validate:"required,oneof=sqlite memory badger bolt"`

	// Path is the database file (sqlite, bolt) or directory (badger).
	Path string `yaml:"path" json:"path" validate:"required_unless=Backend memory"`

	// CacheSize bounds the decoded node cache. Zero disables it.
	CacheSize int `yaml:"cache_size" json:"cache_size" validate:"gte=0"`

	// MaxSteps bounds the reducers one transaction may run.
	MaxSteps int `yaml:"max_steps" json:"max_steps" validate:"gte=1"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

// GCConfig controls scheduled collection.
type GCConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Schedule is a duration ("10m") or a cron expression.
	Schedule string `yaml:"schedule" json:"schedule" validate:"required_if=Enabled true,schedule"`

	// Retention keeps the roots of the newest n commits per context.
	// Zero keeps all history.
	Retention int `yaml:"retention" json:"retention" validate:"gte=0"`

	// MinChurn skips runs until this many commits happened.
	MinChurn int64 `yaml:"min_churn" json:"min_churn" validate:"gte=0"`

	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=64"`
}

// BoundaryConfig lists contexts and the transfer policy.
type BoundaryConfig struct {
	Policy   PolicyConfig    `yaml:"policy" json:"policy"`
	Contexts []ContextConfig `yaml:"contexts" json:"contexts" validate:"dive"`
	Peers    []PeerConfig    `yaml:"peers" json:"peers" validate:"dive"`
}

// PolicyConfig is the default transfer requirement plus per-pair rules.
type PolicyConfig struct {
	Sign    bool         `yaml:"sign" json:"sign"`
	Encrypt bool         `yaml:"encrypt" json:"encrypt"`
	Rules   []PolicyRule `yaml:"rules" json:"rules" validate:"dive"`
}

// PolicyRule overrides the default for one from/to pair.
type PolicyRule struct {
	From    string `yaml:"from" json:"from" validate:"required"`
	To      string `yaml:"to" json:"to" validate:"required"`
	Sign    bool   `yaml:"sign" json:"sign"`
	Encrypt bool   `yaml:"encrypt" json:"encrypt"`
}

// ContextConfig declares a local context. Keys are base64.
type ContextConfig struct {
	ID            string   `yaml:"id" json:"id" validate:"required"`
	Permissions   []string `yaml:"permissions" json:"permissions"`
	SigningKey    string   `yaml:"signing_key" json:"signing_key" validate:"omitempty,base64"`
	EncryptionKey string   `yaml:"encryption_key" json:"encryption_key" validate:"omitempty,base64"`
}

// PeerConfig declares a remote context by its public keys. Keys are
// base64.
type PeerConfig struct {
	ID               string `yaml:"id" json:"id" validate:"required"`
	SigningPublic    string `yaml:"signing_public" json:"signing_public" validate:"omitempty,base64"`
	EncryptionPublic string `yaml:"encryption_public" json:"encryption_public" validate:"omitempty,base64"`
}

// ScriptConfig registers a JavaScript reducer file under a name.
type ScriptConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Path string `yaml:"path" json:"path" validate:"required"`

	// TimeoutMillis bounds one call. Zero uses the script default.
	TimeoutMillis int `yaml:"timeout_ms" json:"timeout_ms" validate:"gte=0"`
}

// APIConfig configures the HTTP bridge.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// WatchBuffer is the per-connection notification queue length.
	WatchBuffer int `yaml:"watch_buffer" json:"watch_buffer" validate:"gte=1"`

	// AllowedOrigins lists the browser origins, besides the server's own,
	// that may open watch streams. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" validate:"dive,required"`
}

// Default returns a configuration that runs against an in-memory
// backend.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:   "memory",
			CacheSize: 4096,
			MaxSteps:  1000,
		},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: telemetry.DefaultConfig(),
		GC: GCConfig{
			Schedule: "10m",
			Workers:  4,
		},
		API: APIConfig{Listen: "127.0.0.1:7420", WatchBuffer: 64},
	}
}

// StaticPolicy returns the boundary policy described by the configuration.
func (b BoundaryConfig) StaticPolicy() boundary.StaticPolicy {
	p := boundary.StaticPolicy{
		Default: boundary.Requirements{Sign: b.Policy.Sign, Encrypt: b.Policy.Encrypt},
	}
	if len(b.Policy.Rules) > 0 {
		p.Overrides = make(map[[2]string]boundary.Requirements, len(b.Policy.Rules))
		for _, r := range b.Policy.Rules {
			p.Overrides[[2]string{r.From, r.To}] = boundary.Requirements{Sign: r.Sign, Encrypt: r.Encrypt}
		}
	}
	return p
}

// Context decodes the context's keys. The returned key slices are handed
// to boundary.Enforcer.Register, which wipes them.
func (c ContextConfig) Context() (boundary.Context, error) {
	out := boundary.Context{ID: c.ID, Permissions: append([]string(nil), c.Permissions...)}
	var err error
	if c.SigningKey != "" {
		if out.SigningKey, err = decodeKey(c.SigningKey); err != nil {
			return boundary.Context{}, fmt.Errorf("context %s signing key: %w", c.ID, err)
		}
	}
	if c.EncryptionKey != "" {
		if out.EncryptionKey, err = decodeKey(c.EncryptionKey); err != nil {
			return boundary.Context{}, fmt.Errorf("context %s encryption key: %w", c.ID, err)
		}
	}
	return out, nil
}

// Peer decodes the peer's public keys.
func (p PeerConfig) Peer() (boundary.Peer, error) {
	out := boundary.Peer{ID: p.ID}
	var err error
	if p.SigningPublic != "" {
		if out.SigningPublic, err = decodeKey(p.SigningPublic); err != nil {
			return boundary.Peer{}, fmt.Errorf("peer %s signing key: %w", p.ID, err)
		}
	}
	if p.EncryptionPublic != "" {
		if out.EncryptionPublic, err = decodeKey(p.EncryptionPublic); err != nil {
			return boundary.Peer{}, fmt.Errorf("peer %s encryption key: %w", p.ID, err)
		}
	}
	return out, nil
}

// EncodeKey renders key material the way configuration files carry it.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
