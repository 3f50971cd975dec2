package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file.
const (
	EnvBaseURL = "QUALIOPI_BASE_URL"
	EnvAPIKey  = "QUALIOPI_API_KEY"
	EnvProfile = "QUALIOPI_PROFILE"
)

// Config is the CLI configuration file: named gate instances plus defaults.
type Config struct {
	DefaultProfile string             `yaml:"default_profile"`
	DefaultFormat  string             `yaml:"default_format,omitempty"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Profile points the CLI at one gate instance.
type Profile struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// GetConfigPath returns ~/.qualiopi/config.yaml.
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".qualiopi", "config.yaml"), nil
}

// LoadConfig reads the config file. A missing file yields an empty config.
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{DefaultProfile: "local", Profiles: map[string]Profile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return &cfg, nil
}

// SaveConfig writes the config file with owner-only permissions.
func SaveConfig(cfg *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ProfileNames returns the configured profile names, sorted.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveProfile picks the gate to talk to. Each of base URL and API key is
// taken from the command flag, then the environment, then the named profile
// (or the default profile when name is empty). The profile name is returned
// for display.
func ResolveProfile(name, baseURLFlag, apiKeyFlag string) (*Profile, string, error) {
	if name == "" {
		name = os.Getenv(EnvProfile)
	}

	var p Profile
	cfg, err := LoadConfig()
	if err != nil {
		return nil, "", err
	}
	if name == "" {
		name = cfg.DefaultProfile
	}
	if fromFile, ok := cfg.Profiles[name]; ok {
		p = fromFile
	}

	p.BaseURL = firstNonEmpty(baseURLFlag, os.Getenv(EnvBaseURL), p.BaseURL)
	p.APIKey = firstNonEmpty(apiKeyFlag, os.Getenv(EnvAPIKey), p.APIKey)

	if p.BaseURL == "" || p.APIKey == "" {
		return nil, "", fmt.Errorf("base_url and api_key must be set for profile %q (flags, %s/%s or %s)",
			name, EnvBaseURL, EnvAPIKey, "~/.qualiopi/config.yaml")
	}
	return &p, name, nil
}

// InitConfig writes a starter config file unless one exists.
func InitConfig(force bool) (string, error) {
	path, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	cfg := &Config{
		DefaultProfile: "local",
		DefaultFormat:  string(FormatTable),
		Profiles: map[string]Profile{
			"local": {
				BaseURL: "http://localhost:8080",
				APIKey:  "admin-123",
			},
			"prod": {
				BaseURL: "https://gate.example.com",
				APIKey:  "qgk_replace-with-your-admin-key",
			},
		},
	}
	return path, SaveConfig(cfg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
