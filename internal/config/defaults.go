package config

import "time"

// Defaults returns the built-in configuration: CLI pool 12, API pool 20,
// per-CLI-call timeout 120s, per-subprocess timeout 60s, enhance write
// allowlist of controllers/views/models/services/tests, SSE connection
// window 20 minutes.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			SSEHeartbeat:   15 * time.Second,
			SSEConnTimeout: 20 * time.Minute,
		},
		Target: TargetConfig{
			ProjectRoot:       ".",
			DiscoveryGlob:     "app/**/*.rb",
			DiscoveryExcludes: []string{"application.rb", "application_controller.rb"},
			HardeningDir:      ".harden",
			EnhanceDir:        ".enhance",
			TestCommand:       []string{"bin/rails", "test"},
		},
		Agent: AgentConfig{
			CLIPath:           "claude",
			CLIPoolSize:       12,
			APIPoolSize:       20,
			CLITimeout:        120 * time.Second,
			SubprocessTimeout: 60 * time.Second,
			APIKeyEnvVar:      "ANTHROPIC_API_KEY",
			APIBaseURL:        "https://api.anthropic.com/v1/messages",
			APIModel:          "claude-sonnet-4-5",
		},
		Allowlist: AllowlistConfig{
			Hardening: []string{"."},
			Enhance:   []string{"app/controllers", "app/views", "app/models", "app/services", "test"},
		},
		Commands: CommandsConfig{
			StaticAnalysis: []CommandSpec{
				{Name: "rubocop", Cmd: "bundle", Args: []string{"exec", "rubocop"}},
				{Name: "brakeman", Cmd: "bundle", Args: []string{"exec", "brakeman", "-q"}},
			},
		},
	}
}
