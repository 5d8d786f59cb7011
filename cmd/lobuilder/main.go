package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lobuilder/internal/config"
	"lobuilder/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	timeout    time.Duration

	// Logger
	logger *zap.Logger

	// Loaded application config
	appCfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lobuilder",
	Short: "lobuilder - Learning Outcome evaluation against Bloom's Taxonomy",
	Long: `lobuilder checks a unit's Learning Outcomes against an editable rule
document (taxonomy verbs, level mappings, credit-point ranges, banned phrases)
using a text-generation model, and reports a verdict per outcome.

The rule document lives in .lobuilder/rules.json and can be edited with
"lobuilder rules", over the HTTP API ("lobuilder serve"), or by hand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAppConfig()
		if err != nil {
			return err
		}
		appCfg = cfg

		lc := cfg.Logging.ToLogging()
		if verbose {
			lc.Level = "debug"
		}
		if err := logging.Initialize(lc); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Root()
		logging.Boot("lobuilder starting: command=%s rules=%s", cmd.CommandPath(), cfg.Rules.Path)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.lobuilder/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .lobuilder or go.mod)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	// Add commands to root
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rewriteTestCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadAppConfig() (*config.Config, error) {
	root := workspace
	if root == "" {
		var err error
		if root, err = config.FindWorkspaceRoot(); err != nil {
			return nil, err
		}
	}
	path := configPath
	if path == "" {
		path = filepath.Join(root, config.DirName, "config.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.ResolvePaths(root)
	return cfg, nil
}
