package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/lockmanager"
	"github.com/quorumlabs/agentpipeline/internal/logging"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan the target tree once and print the resulting target list as JSON",
	Long: `discover runs the same target-discovery pass the server runs on startup,
without binding a port, and prints the engine's JSON snapshot to stdout.
Useful for verifying discovery globs and sidecar state before starting the
server.`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      os.Stderr,
		ProjectRoot: cfg.Target.ProjectRoot,
	})

	locks := lockmanager.New()
	defer locks.Stop()

	hardenRoot := filepath.Join(cfg.Target.ProjectRoot, cfg.Target.HardeningDir)
	enhanceRoot := filepath.Join(cfg.Target.ProjectRoot, cfg.Target.EnhanceDir)
	hardenStore := sidecar.New(cfg.Target.ProjectRoot, hardenRoot, cfg.Allowlist.Hardening, locks)
	enhanceStore := sidecar.New(cfg.Target.ProjectRoot, enhanceRoot, cfg.Allowlist.Enhance, locks)

	eng := engine.New(cfg, control.New(), locks, nil, hardenStore, enhanceStore, logger.Logger)

	if err := eng.Discover(context.Background()); err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	data, err := eng.ToJSON()
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(data, &pretty); err == nil {
		if indented, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			fmt.Println(string(indented))
			return nil
		}
	}
	fmt.Println(string(data))
	return nil
}
