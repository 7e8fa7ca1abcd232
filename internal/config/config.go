package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// VersionPlaceholder is substituted with the manifest version in SourceConfig.URLTemplate
const VersionPlaceholder = "{version}"

// DefaultURLTemplate points at the public map distribution root
const DefaultURLTemplate = "http://direct.mapswithme.com/direct/" + VersionPlaceholder + "/"

// ManifestRelPath is the manifest location relative to the checkout root
var ManifestRelPath = filepath.Join("data", "countries.txt")

// FetchBackend selects the bulk transfer implementation
type FetchBackend string

const (
	BackendHTTP FetchBackend = "http"
	BackendWget FetchBackend = "wget"
)

// UnlimitedDepth as fetch.max_depth follows listings without a depth limit
const UnlimitedDepth = -1

const (
	defaultTimeout   = 10 * time.Minute
	defaultMaxDepth  = 5
	defaultUserAgent = "mwmsync"
)

// Config represents the complete mwmsync configuration
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Source SourceConfig `yaml:"source"`
	Fetch  FetchConfig  `yaml:"fetch"`
	Sync   SyncConfig   `yaml:"sync"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Root     string `yaml:"root"`
	DataDir  string `yaml:"data_dir"`
	Manifest string `yaml:"manifest"`
}

// SourceConfig configures where map data is downloaded from
type SourceConfig struct {
	URL         string `yaml:"url"`
	URLTemplate string `yaml:"url_template"`
}

// FetchConfig configures the bulk transfer
type FetchConfig struct {
	Backend FetchBackend `yaml:"backend"`
	// Timeout is an idle timeout: a transfer fails only after this long without
	// receiving any data, however long the whole download takes.
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	// MaxDepth of 0 means the default; UnlimitedDepth removes the limit.
	MaxDepth int      `yaml:"max_depth"`
	Reject   []string `yaml:"reject"`
}

// SyncConfig configures resync behavior
type SyncConfig struct {
	// Strict withholds the marker when any file failed to transfer.
	Strict bool `yaml:"strict"`
	// Staged fetches into a sibling directory and swaps it in on completion.
	Staged bool `yaml:"staged"`
}

// Default returns a configuration with every default applied and no file backing it.
// Paths stay empty until ResolvePaths is called.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables and a leading ~ in all path and URL fields
func (c *Config) expandEnv() error {
	for _, p := range []*string{&c.Paths.Root, &c.Paths.DataDir, &c.Paths.Manifest} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	c.Source.URL = os.ExpandEnv(c.Source.URL)
	c.Source.URLTemplate = os.ExpandEnv(c.Source.URLTemplate)
	return nil
}

func expandPath(p string) (string, error) {
	return homedir.Expand(os.ExpandEnv(p))
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.URLTemplate == "" {
		c.Source.URLTemplate = DefaultURLTemplate
	}
	if c.Fetch.Backend == "" {
		c.Fetch.Backend = BackendHTTP
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = defaultTimeout
	}
	if c.Fetch.MaxDepth == 0 {
		c.Fetch.MaxDepth = defaultMaxDepth
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = defaultUserAgent
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !strings.Contains(c.Source.URLTemplate, VersionPlaceholder) {
		return fmt.Errorf("source.url_template must contain %s: %s", VersionPlaceholder, c.Source.URLTemplate)
	}

	switch c.Fetch.Backend {
	case BackendHTTP, BackendWget:
		// valid
	default:
		return fmt.Errorf("invalid fetch.backend: %s (must be http or wget)", c.Fetch.Backend)
	}

	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("fetch.timeout must not be negative: %s", c.Fetch.Timeout)
	}
	if c.Fetch.MaxDepth < UnlimitedDepth {
		return fmt.Errorf("fetch.max_depth must be positive or %d for unlimited: %d", UnlimitedDepth, c.Fetch.MaxDepth)
	}

	for _, pattern := range c.Fetch.Reject {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid fetch.reject pattern %q: %w", pattern, err)
		}
	}

	for name, p := range map[string]string{
		"paths.root":     c.Paths.Root,
		"paths.data_dir": c.Paths.DataDir,
		"paths.manifest": c.Paths.Manifest,
	} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	return nil
}

// ResolvePaths fills DataDir and Manifest from Root where they were not set explicitly.
// Root must already be known.
func (c *Config) ResolvePaths() error {
	if c.Paths.Root == "" {
		return fmt.Errorf("paths.root is required to derive data and manifest paths")
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = filepath.Join(c.Paths.Root, "..", "data")
	}
	if c.Paths.Manifest == "" {
		c.Paths.Manifest = filepath.Join(c.Paths.Root, ManifestRelPath)
	}
	return nil
}
