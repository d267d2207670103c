// Package config loads and validates the pipeline server's configuration.
package config

import "time"

// Config is the root configuration object, loaded from YAML via viper with
// mapstructure tags.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Target   TargetConfig   `mapstructure:"target"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Allowlist AllowlistConfig `mapstructure:"allowlist"`
	Commands CommandsConfig `mapstructure:"commands"`
}

// LogConfig configures internal/logging.New.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// ServerConfig configures the HTTP/SSE external boundary.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	SSEHeartbeat     time.Duration `mapstructure:"sse_heartbeat"`
	SSEConnTimeout   time.Duration `mapstructure:"sse_conn_timeout"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
}

// TargetConfig configures discovery and sidecar layout.
type TargetConfig struct {
	ProjectRoot       string   `mapstructure:"project_root"`
	DiscoveryGlob     string   `mapstructure:"discovery_glob"`
	DiscoveryExcludes []string `mapstructure:"discovery_excludes"`
	HardeningDir      string   `mapstructure:"hardening_dir"`
	EnhanceDir        string   `mapstructure:"enhance_dir"`
	TestCommand       []string `mapstructure:"test_command"`
	WatchForChanges   bool     `mapstructure:"watch_for_changes"`
}

// AgentConfig configures the external agent CLI and HTTP API.
type AgentConfig struct {
	CLIPath       string        `mapstructure:"cli_path"`
	CLIPoolSize   int           `mapstructure:"cli_pool_size"`
	APIPoolSize   int           `mapstructure:"api_pool_size"`
	CLITimeout    time.Duration `mapstructure:"cli_timeout"`
	SubprocessTimeout time.Duration `mapstructure:"subprocess_timeout"`
	APIKeyEnvVar  string        `mapstructure:"api_key_env_var"`
	APIBaseURL    string        `mapstructure:"api_base_url"`
	APIModel      string        `mapstructure:"api_model"`
}

// AllowlistConfig is the per-mode write allowlist, each entry relative to
// TargetConfig.ProjectRoot unless absolute.
type AllowlistConfig struct {
	Hardening []string `mapstructure:"hardening"`
	Enhance   []string `mapstructure:"enhance"`
}

// CommandsConfig lists the static-analysis commands run by sharedCiCheck.
// Each entry is a spawnable executable plus args, never a shell string.
type CommandsConfig struct {
	StaticAnalysis []CommandSpec `mapstructure:"static_analysis"`
}

// CommandSpec names one configured subprocess command.
type CommandSpec struct {
	Name string   `mapstructure:"name"`
	Cmd  string   `mapstructure:"cmd"`
	Args []string `mapstructure:"args"`
}

// APIKey returns the configured Anthropic API key from the environment, or
// "" if unset. Callers must degrade apiCall to manual input when this is "".
func (c *AgentConfig) APIKey(lookup func(string) (string, bool)) string {
	if c.APIKeyEnvVar == "" {
		return ""
	}
	v, ok := lookup(c.APIKeyEnvVar)
	if !ok {
		return ""
	}
	return v
}
