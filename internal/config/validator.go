package config

import "fmt"

// Validate checks the loaded configuration for the constraints the rest of
// the engine assumes hold unconditionally (nonzero pool sizes, nonempty
// discovery glob, at least one allowlist entry per mode).
func (c *Config) Validate() error {
	if c.Target.ProjectRoot == "" {
		return fmt.Errorf("config: target.project_root must be set")
	}
	if c.Target.DiscoveryGlob == "" {
		return fmt.Errorf("config: target.discovery_glob must be set")
	}
	if len(c.Target.TestCommand) == 0 {
		return fmt.Errorf("config: target.test_command must be set")
	}
	if c.Agent.CLIPoolSize <= 0 {
		return fmt.Errorf("config: agent.cli_pool_size must be positive, got %d", c.Agent.CLIPoolSize)
	}
	if c.Agent.APIPoolSize <= 0 {
		return fmt.Errorf("config: agent.api_pool_size must be positive, got %d", c.Agent.APIPoolSize)
	}
	if c.Agent.CLIPath == "" {
		return fmt.Errorf("config: agent.cli_path must be set")
	}
	if len(c.Allowlist.Hardening) == 0 {
		return fmt.Errorf("config: allowlist.hardening must have at least one entry")
	}
	if len(c.Allowlist.Enhance) == 0 {
		return fmt.Errorf("config: allowlist.enhance must have at least one entry")
	}
	return nil
}
