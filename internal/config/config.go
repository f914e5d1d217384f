package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes a single CalDAV calendar source.
type SourceConfig struct {
	// ID is a stable internal identifier used for caching and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is the CalDAV collection URL for this calendar.
	URL string `yaml:"url" json:"url"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Account is the owning account's address, matched against event
	// attendee lists to derive the participation status.
	Account string `yaml:"account,omitempty" json:"account,omitempty"`

	// Color is an optional display hint passed through to instances.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`

	Enabled  bool `yaml:"enabled" json:"enabled"`
	ReadOnly bool `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone the "today" window is derived in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule for periodic refreshes.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DebounceMillis coalesces bursts of backend change notifications
	// into a single refresh.
	DebounceMillis int `yaml:"debounce_ms" json:"debounce_ms"`

	// ConnectTimeoutSeconds bounds each source connection attempt.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_s" json:"connect_timeout_s"`

	// Which instance kinds may be highlighted as the next meeting.
	ShowRegular   bool `yaml:"show_regular" json:"show_regular"`
	ShowDeclined  bool `yaml:"show_declined" json:"show_declined"`
	ShowTentative bool `yaml:"show_tentative" json:"show_tentative"`

	// ShowCurrent highlights an in-progress meeting (with more than five
	// minutes remaining) instead of the next upcoming one.
	ShowCurrent bool `yaml:"show_current" json:"show_current"`

	// StatePath is the SQLite file holding the refresh journal and the
	// last published snapshot.
	StatePath string `yaml:"state_path" json:"state_path"`

	// Sources is the list of configured CalDAV calendars.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                "127.0.0.1:8099",
		Timezone:              "Local",
		RefreshCron:           "*/5 * * * *",
		DebounceMillis:        400,
		ConnectTimeoutSeconds: 10,
		ShowRegular:           true,
		ShowDeclined:          false,
		ShowTentative:         true,
		ShowCurrent:           true,
		StatePath:             "./var/nextmeet.db",
		Sources:               []SourceConfig{},
		BasicAuth:             nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8099"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/5 * * * *"
	}
	if c.DebounceMillis <= 0 {
		c.DebounceMillis = 400
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = 10
	}
	if c.StatePath == "" {
		c.StatePath = "./var/nextmeet.db"
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
}

// EnabledSources returns only the sources marked enabled.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there (creating
// the parent directory, 0600 perms) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".nextmeet-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save delegates to the package-level Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
