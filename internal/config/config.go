package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides config discovery
const EnvConfigPath = "SYNCTHING_GIT_VERSIONING_CONFIG"

// xdgConfigRelPath is searched for under the XDG config directories
const xdgConfigRelPath = "syncthing-git-versioning/config.yaml"

// DefaultCommitMessage is used for every capture commit unless overridden
const DefaultCommitMessage = "Automatic commit by syncthing-git-versioning"

// AnnexMode defines whether the working tree is treated as a git-annex repository
type AnnexMode string

const (
	AnnexAuto   AnnexMode = "auto"
	AnnexAlways AnnexMode = "always"
	AnnexNever  AnnexMode = "never"
)

// TransferMode defines how regular file content reaches the working tree
type TransferMode string

const (
	TransferLink TransferMode = "link"
	TransferCopy TransferMode = "copy"
)

// Config represents the complete hook configuration
type Config struct {
	Git      GitConfig      `yaml:"git"`
	Transfer TransferConfig `yaml:"transfer"`
	Lock     LockConfig     `yaml:"lock"`
	Log      LogConfig      `yaml:"log"`
}

// GitConfig configures the version-control subprocess
type GitConfig struct {
	Binary        string    `yaml:"binary"`
	CommitMessage string    `yaml:"commit_message"`
	Annex         AnnexMode `yaml:"annex"`
}

// TransferConfig configures content transfer
type TransferConfig struct {
	Mode TransferMode `yaml:"mode"`
}

// LockConfig configures capture serialization
type LockConfig struct {
	// Enabled is a pointer so an explicit false survives applyDefaults
	Enabled *bool `yaml:"enabled"`
}

// LogConfig configures diagnostics
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Discover locates the configuration file and loads it. An explicit path in
// EnvConfigPath must exist; otherwise the XDG config directories are searched
// and a missing file yields Default().
func Discover() (*Config, string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}

	path, err := xdg.SearchConfigFile(xdgConfigRelPath)
	if err != nil {
		// xdg reports a plain error when nothing matched
		return Default(), "", nil
	}

	cfg, err := Load(path)
	return cfg, path, err
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
	c.Git.CommitMessage = os.ExpandEnv(c.Git.CommitMessage)
	c.Git.Annex = AnnexMode(os.ExpandEnv(string(c.Git.Annex)))
	c.Transfer.Mode = TransferMode(os.ExpandEnv(string(c.Transfer.Mode)))
	c.Log.Level = os.ExpandEnv(c.Log.Level)
	c.Log.Format = os.ExpandEnv(c.Log.Format)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	if c.Git.CommitMessage == "" {
		c.Git.CommitMessage = DefaultCommitMessage
	}
	if c.Git.Annex == "" {
		c.Git.Annex = AnnexAuto
	}
	if c.Transfer.Mode == "" {
		c.Transfer.Mode = TransferLink
	}
	if c.Lock.Enabled == nil {
		enabled := true
		c.Lock.Enabled = &enabled
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Git.Binary == "" {
		return fmt.Errorf("git.binary is required")
	}
	// A relative binary with a separator would resolve against the hook's
	// working directory, which the daemon does not define.
	if filepath.Base(c.Git.Binary) != c.Git.Binary && !filepath.IsAbs(c.Git.Binary) {
		return fmt.Errorf("git.binary must be a bare command name or an absolute path: %s", c.Git.Binary)
	}
	if c.Git.CommitMessage == "" {
		return fmt.Errorf("git.commit_message is required")
	}

	switch c.Git.Annex {
	case AnnexAuto, AnnexAlways, AnnexNever:
		// valid
	default:
		return fmt.Errorf("invalid git.annex mode: %s (must be auto, always, or never)", c.Git.Annex)
	}

	switch c.Transfer.Mode {
	case TransferLink, TransferCopy:
		// valid
	default:
		return fmt.Errorf("invalid transfer.mode: %s (must be link or copy)", c.Transfer.Mode)
	}

	switch c.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// LockEnabled reports whether captures against one repository are serialized
func (c *Config) LockEnabled() bool {
	return c.Lock.Enabled == nil || *c.Lock.Enabled
}
