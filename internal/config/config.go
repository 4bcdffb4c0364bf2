// Package config loads coordline.yml: static policy that governs claim
// leases, sweep cadence, load-shed thresholds, and the blob provider,
// validated eagerly the way internal/config/config.go's teacher original
// validates its policy presets at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models coordline.yml. Duration fields are authored as Go duration
// strings ("5m", "24h") and parsed into the exported *TTL/*Interval fields
// by Validate, since yaml.v3 has no built-in time.Duration scalar support.
type Config struct {
	Decisions struct {
		ClaimTTLRaw           string `yaml:"claim_ttl"`
		DeferThreshold        int    `yaml:"defer_threshold"`
		EmergencyThreshold    int    `yaml:"emergency_threshold"`
		LoadShedDeferralRaw   string `yaml:"load_shed_deferral"`

		ClaimTTL         time.Duration `yaml:"-"`
		LoadShedDeferral time.Duration `yaml:"-"`
	} `yaml:"decisions"`
	Sweeper struct {
		IntervalRaw string `yaml:"interval"`

		Interval time.Duration `yaml:"-"`
	} `yaml:"sweeper"`
	Artifacts struct {
		Provider string `yaml:"provider"`
		LocalDir string `yaml:"local_dir"`
	} `yaml:"artifacts"`
	RBAC struct {
		Roles []string `yaml:"roles"`
	} `yaml:"rbac"`
}

// Validate ensures the config meets required structure, same fail-fast
// style as the teacher's Validate, and parses the duration strings into
// their typed fields.
func (c *Config) Validate() error {
	var err error
	if c.Decisions.ClaimTTL, err = time.ParseDuration(c.Decisions.ClaimTTLRaw); err != nil {
		return fmt.Errorf("config.decisions.claim_ttl: %w", err)
	}
	if c.Decisions.LoadShedDeferral, err = time.ParseDuration(c.Decisions.LoadShedDeferralRaw); err != nil {
		return fmt.Errorf("config.decisions.load_shed_deferral: %w", err)
	}
	if c.Sweeper.Interval, err = time.ParseDuration(c.Sweeper.IntervalRaw); err != nil {
		return fmt.Errorf("config.sweeper.interval: %w", err)
	}
	if c.Decisions.ClaimTTL <= 0 {
		return fmt.Errorf("config.decisions.claim_ttl must be positive")
	}
	if c.Decisions.DeferThreshold <= 0 {
		return fmt.Errorf("config.decisions.defer_threshold must be positive")
	}
	if c.Decisions.EmergencyThreshold <= c.Decisions.DeferThreshold {
		return fmt.Errorf("config.decisions.emergency_threshold must exceed defer_threshold")
	}
	if c.Decisions.LoadShedDeferral <= 0 {
		return fmt.Errorf("config.decisions.load_shed_deferral must be positive")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("config.sweeper.interval must be positive")
	}
	switch c.Artifacts.Provider {
	case "local":
		if c.Artifacts.LocalDir == "" {
			return fmt.Errorf("config.artifacts.local_dir is required for provider=local")
		}
	case "":
		return fmt.Errorf("config.artifacts.provider is required")
	default:
		return fmt.Errorf("config.artifacts.provider %q is not a known provider", c.Artifacts.Provider)
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	seenOwner := false
	for _, r := range c.RBAC.Roles {
		if r == "" {
			return fmt.Errorf("config.rbac.roles contains an empty role")
		}
		if r == "owner" {
			seenOwner = true
		}
	}
	if !seenOwner {
		return fmt.Errorf("config.rbac.roles must include owner")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coordline.yml")
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'proofctl config init' or supply one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil, nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in default config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic("config: default template is invalid: " + err.Error())
	}
	return cfg
}

// GenerateDefault returns the default config as YAML text, for `proofctl
// config init` to write out verbatim.
func GenerateDefault() string { return defaultTemplate }

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `decisions:
  claim_ttl: 5m
  defer_threshold: 2
  emergency_threshold: 5
  load_shed_deferral: 24h

sweeper:
  interval: 2m

artifacts:
  provider: local
  local_dir: .coordline/blobs

rbac:
  roles: [owner, operator, viewer, bot]
`
