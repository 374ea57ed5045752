package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding the config file.
// Nesting uses a double underscore: OFFLINE_AGENT_CACHE__VERSION=2
const EnvPrefix = "OFFLINE_AGENT_"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Cache   CacheConfig   `yaml:"cache"`
	Agent   AgentConfig   `yaml:"agent"`
	Network NetworkConfig `yaml:"network"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains proxy listener configuration
type ServerConfig struct {
	Port  int         `yaml:"port" validate:"min=1,max=65535"`
	HTTPS HTTPSConfig `yaml:"https"`
}

// HTTPSConfig contains TLS interception configuration
type HTTPSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACertFile string `yaml:"ca_cert_file"`
	CAKeyFile  string `yaml:"ca_key_file"`
	// Address of the optional transparent (SNI based) HTTPS listener, e.g. ":8443"
	TransparentAddr string `yaml:"transparent_addr"`
}

// AdminConfig contains the admin API configuration
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=0,max=65535"`
}

// CacheConfig contains cache storage configuration
type CacheConfig struct {
	Backend    string   `yaml:"backend" validate:"oneof=disk memory"`
	Folder     string   `yaml:"folder"`
	NamePrefix string   `yaml:"name_prefix" validate:"required"`
	Version    string   `yaml:"version" validate:"required"`
	KeyHeaders []string `yaml:"key_headers"`
}

// AgentConfig contains the request policy configuration
type AgentConfig struct {
	Origin               string   `yaml:"origin" validate:"required,url"`
	APIPrefix            string   `yaml:"api_prefix" validate:"required,startswith=/"`
	SeedPaths            []string `yaml:"seed_paths" validate:"dive,startswith=/"`
	CoalesceMisses       bool     `yaml:"coalesce_misses"`
	CacheStatusHeader    bool     `yaml:"cache_status_header"`
	InstallRetryInterval string   `yaml:"install_retry_interval"`
}

// NetworkConfig contains upstream transport configuration
type NetworkConfig struct {
	Timeout string `yaml:"timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when a key is absent from the file
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Admin:  AdminConfig{Enabled: false, Port: 9090},
		Cache: CacheConfig{
			Backend:    "disk",
			Folder:     "./cache",
			NamePrefix: "marketops-static",
			Version:    "1",
		},
		Agent: AgentConfig{
			Origin:               "http://localhost:8000",
			APIPrefix:            "/api/",
			SeedPaths:            []string{"/", "/manifest.webmanifest"},
			CoalesceMisses:       true,
			InstallRetryInterval: "30s",
		},
		Network: NetworkConfig{Timeout: "30s"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// Load loads configuration from a YAML file, applying defaults and environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// envKey maps OFFLINE_AGENT_AGENT__SEED_PATHS to agent.seed_paths
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Watch calls onChange with the reloaded configuration every time the file changes.
// Invalid configurations are reported through onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	return file.Provider(path).Watch(func(_ interface{}, err error) {
		if err != nil {
			onError(fmt.Errorf("watching config file: %w", err))
			return
		}
		cfg, err := Load(path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
}

// StoreName returns the name of the cache store of the configured generation
func (c *Config) StoreName() string {
	return c.Cache.NamePrefix + "-v" + c.Cache.Version
}

// GetNetworkTimeout parses and returns the upstream transport timeout
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetInstallRetryInterval parses and returns the delay between failed installs
func (c *Config) GetInstallRetryInterval() (time.Duration, error) {
	return time.ParseDuration(c.Agent.InstallRetryInterval)
}

// GetOrigin parses and returns the application origin
func (c *Config) GetOrigin() (*url.URL, error) {
	origin, err := url.Parse(c.Agent.Origin)
	if err != nil {
		return nil, err
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("origin scheme must be http or https, got: %s", origin.Scheme)
	}
	if origin.Host == "" {
		return nil, errors.New("origin host is required")
	}
	return origin, nil
}

// YAML renders the configuration as YAML
func (c *Config) YAML() ([]byte, error) {
	return yamlv3.Marshal(c)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	})
	return v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Cache.Backend == "disk" && c.Cache.Folder == "" {
		return fmt.Errorf("cache folder is required")
	}

	if strings.HasPrefix(c.Cache.NamePrefix, "_") || strings.ContainsAny(c.StoreName(), "/\\") {
		return fmt.Errorf("invalid cache store name: %s", c.StoreName())
	}

	if _, err := c.GetNetworkTimeout(); err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}

	if interval, err := c.GetInstallRetryInterval(); err != nil {
		return fmt.Errorf("invalid install retry interval format: %w", err)
	} else if interval <= 0 {
		return fmt.Errorf("install retry interval must be positive, got: %s", interval)
	}

	if _, err := c.GetOrigin(); err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}

	if c.Admin.Enabled && c.Admin.Port == c.Server.Port {
		return fmt.Errorf("admin port must differ from proxy port: %d", c.Admin.Port)
	}

	if c.Server.HTTPS.CACertFile != "" && c.Server.HTTPS.CAKeyFile == "" ||
		c.Server.HTTPS.CACertFile == "" && c.Server.HTTPS.CAKeyFile != "" {
		return fmt.Errorf("https CA certificate and key must be configured together")
	}

	return nil
}
