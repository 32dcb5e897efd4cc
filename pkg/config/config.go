// Package config loads and validates the persisted gateway configuration: the
// top-level gateway settings plus the name-keyed map of backend server
// definitions. Values may reference environment variables with ${VAR}
// placeholders, which are substituted at load time; unresolved placeholders
// pass through untouched so configs remain portable between machines.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Transport identifies how the gateway reaches a backend server.
type Transport string

const (
	TransportStdio      Transport = "stdio"
	TransportStreamHTTP Transport = "streamable-http"
	TransportHTTP       Transport = "http"
)

// RoutingMode selects a direct connection or one through the local proxy
// supervisor.
type RoutingMode string

const (
	RouteDirect   RoutingMode = "direct"
	RouteViaProxy RoutingMode = "via-proxy"
)

// GatingPolicy is the default publish policy applied to discovered tools.
type GatingPolicy string

const (
	// PolicyDeny requires tools to be explicitly published before execution.
	PolicyDeny GatingPolicy = "deny"
	// PolicyAllowAll makes every catalogued tool executable.
	PolicyAllowAll GatingPolicy = "allow-all"
)

// AuthConfig describes header-based authentication for HTTP transports.
type AuthConfig struct {
	Type   string `mapstructure:"type" json:"type,omitempty"`
	Token  string `mapstructure:"token" json:"token,omitempty"`
	Header string `mapstructure:"header" json:"header,omitempty"`
}

// HealthConfig describes how a server's availability is probed.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval,omitempty"`
}

// ToolFilter restricts which discovered tools enter the catalog. An empty
// filter admits everything; Allow wins over Deny when both are set.
type ToolFilter struct {
	Allow []string `mapstructure:"allow" json:"allow,omitempty"`
	Deny  []string `mapstructure:"deny" json:"deny,omitempty"`
}

// Admits reports whether a tool name passes the filter.
func (f ToolFilter) Admits(name string) bool {
	if len(f.Allow) > 0 {
		for _, a := range f.Allow {
			if a == name {
				return true
			}
		}
		return false
	}
	for _, d := range f.Deny {
		if d == name {
			return false
		}
	}
	return true
}

// ServerConfig declares one backend server. It is immutable per load cycle;
// edits arrive as a whole new Config via the hot-reload watcher.
type ServerConfig struct {
	Name      string      `mapstructure:"-" json:"name"`
	Transport Transport   `mapstructure:"transport" json:"transport"`
	Mode      RoutingMode `mapstructure:"mode" json:"mode,omitempty"`

	// stdio transport.
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`

	// HTTP transports.
	URL     string            `mapstructure:"url" json:"url,omitempty"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`

	Enabled     bool          `mapstructure:"enabled" json:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	Auth        *AuthConfig   `mapstructure:"auth" json:"auth,omitempty"`
	Health      *HealthConfig `mapstructure:"health" json:"health,omitempty"`
	Filter      ToolFilter    `mapstructure:"filter" json:"filter,omitempty"`
	Tags        []string      `mapstructure:"tags" json:"tags,omitempty"`
	Description string        `mapstructure:"description" json:"description,omitempty"`
}

// Config is the root persisted configuration document.
type Config struct {
	Host             string       `mapstructure:"host" json:"host"`
	Port             int          `mapstructure:"port" json:"port"`
	LogLevel         string       `mapstructure:"log_level" json:"log_level"`
	ToolBudget       int          `mapstructure:"tool_budget" json:"tool_budget,omitempty"`
	DefinitionBudget int          `mapstructure:"definition_budget" json:"definition_budget,omitempty"`
	Policy           GatingPolicy `mapstructure:"policy" json:"policy"`
	ProxyBaseURL     string       `mapstructure:"proxy_base_url" json:"proxy_base_url,omitempty"`
	ManageProxy      bool         `mapstructure:"manage_proxy" json:"manage_proxy,omitempty"`
	CatalogCachePath string       `mapstructure:"catalog_cache_path" json:"catalog_cache_path,omitempty"`

	Servers map[string]ServerConfig `mapstructure:"servers" json:"servers"`
}

// Default returns a Config with baseline gateway settings and no servers.
func Default() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     8700,
		LogLevel: "info",
		Policy:   PolicyDeny,
		Servers:  map[string]ServerConfig{},
	}
}

// Load reads, expands, and validates the configuration at path. A malformed
// or unreadable file is fatal; callers performing a hot reload should treat
// per-server validation problems from ValidateServer as skippable instead.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}

	v := viper.New()
	v.SetConfigType(configType(path))
	if err := v.ReadConfig(strings.NewReader(ExpandEnv(string(raw)))); err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}); err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}

	for name, sc := range cfg.Servers {
		sc.Name = name
		cfg.Servers[name] = sc
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLenient reads the configuration for a hot reload: gateway-level
// problems remain fatal, but each malformed server entry is dropped from the
// result and reported in skipped instead of failing the whole reload.
func LoadLenient(path string) (cfg *Config, skipped map[string]error, err error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, nil, &ConfigurationError{Path: path, Err: readErr}
	}

	v := viper.New()
	v.SetConfigType(configType(path))
	if err := v.ReadConfig(strings.NewReader(ExpandEnv(string(raw)))); err != nil {
		return nil, nil, &ConfigurationError{Path: path, Err: err}
	}

	cfg = Default()
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}); err != nil {
		return nil, nil, &ConfigurationError{Path: path, Err: err}
	}

	skipped = make(map[string]error)
	for name, sc := range cfg.Servers {
		sc.Name = name
		if err := ValidateServer(name, sc); err != nil {
			skipped[name] = err
			delete(cfg.Servers, name)
			continue
		}
		cfg.Servers[name] = sc
	}

	servers := cfg.Servers
	cfg.Servers = nil
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg.Servers = servers
	return cfg, skipped, nil
}

func configType(path string) string {
	if strings.HasSuffix(path, ".json") {
		return "json"
	}
	return "yaml"
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} placeholders with environment values. Unset
// variables are left as-is rather than failing the load.
func ExpandEnv(s string) string {
	return envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Validate checks the whole document. Gateway-level problems are fatal; a
// problem in any server entry is also fatal here (startup load semantics).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigurationError{Err: fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return &ConfigurationError{Err: fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)}
	}
	switch c.Policy {
	case "", PolicyDeny, PolicyAllowAll:
		if c.Policy == "" {
			c.Policy = PolicyDeny
		}
	default:
		return &ConfigurationError{Err: fmt.Errorf("policy must be %q or %q, got %q", PolicyDeny, PolicyAllowAll, c.Policy)}
	}
	for name, sc := range c.Servers {
		if err := ValidateServer(name, sc); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServer checks a single server entry. The hot-reload watcher calls
// this per entry so one malformed server skips that entry without failing
// the whole reload.
func ValidateServer(name string, sc ServerConfig) error {
	if strings.TrimSpace(name) == "" {
		return &ConfigurationError{Err: fmt.Errorf("server name must not be empty")}
	}
	switch sc.Transport {
	case TransportStdio:
		if strings.TrimSpace(sc.Command) == "" {
			return &ConfigurationError{Err: fmt.Errorf("server %q: stdio transport requires a command", name)}
		}
	case TransportStreamHTTP, TransportHTTP:
		if strings.TrimSpace(sc.URL) == "" && sc.Mode != RouteViaProxy {
			return &ConfigurationError{Err: fmt.Errorf("server %q: %s transport requires a url", name, sc.Transport)}
		}
	default:
		return &ConfigurationError{Err: fmt.Errorf("server %q: unknown transport %q", name, sc.Transport)}
	}
	switch sc.Mode {
	case "", RouteDirect, RouteViaProxy:
	default:
		return &ConfigurationError{Err: fmt.Errorf("server %q: unknown routing mode %q", name, sc.Mode)}
	}
	return nil
}

// ConfigurationError wraps malformed or missing configuration.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
