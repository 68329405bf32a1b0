package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/config"
	"github.com/holon-run/mergequeue/pkg/engine"
	"github.com/holon-run/mergequeue/pkg/github"
	"github.com/holon-run/mergequeue/pkg/hosting"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/preflight"
	"github.com/holon-run/mergequeue/pkg/rules"
	"github.com/holon-run/mergequeue/pkg/scheduler"
	"github.com/holon-run/mergequeue/pkg/store"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	stateDir   string
	rulesPath  string
	rulesDir   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mergequeue",
	Short: "Speculative merge queue for GitHub pull requests",
	Long: `mergequeue evaluates pull request rules, keeps one queue per base branch and
validates batches of queued pull requests on speculative branches before
fast-forwarding the base branch to them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath, !cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if logFormat != "" {
			loaded.Log.Format = logFormat
		}
		if stateDir != "" {
			loaded.Server.StateDir = stateDir
		}
		if rulesPath != "" {
			loaded.Rules.Path = rulesPath
		}
		if rulesDir != "" {
			loaded.Rules.Dir = rulesDir
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		logCfg := loaded.LogConfig()
		logCfg.Output = cmd.ErrOrStderr()
		if err := mqlog.Init(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = mqlog.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "mergequeue.toml", "Path to the service configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, progress, minimal, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory holding repository states and event streams")
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "Rule file shared by every repository")
	rootCmd.PersistentFlags().StringVar(&rulesDir, "rules-dir", "", "Directory of per-repository rule files (<owner>/<name>.yml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func absStateDir() (string, error) {
	dir, err := filepath.Abs(cfg.Server.StateDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve state dir: %w", err)
	}
	return dir, nil
}

func openStateStore() (*store.FileState, error) {
	dir, err := absStateDir()
	if err != nil {
		return nil, err
	}
	return store.NewFileState(filepath.Join(dir, "state"))
}

// defaultAPIURL is checked by preflight when no API URL is configured.
const defaultAPIURL = "https://api.github.com/"

func newPreflight(dir string, serving bool) *preflight.Checker {
	apiURL := cfg.GitHub.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	pc := preflight.Config{
		Skip:         skipPreflight,
		TokenEnv:     cfg.GitHub.TokenEnv,
		RequireToken: serving,
		RulesPath:    cfg.Rules.Path,
		RulesDir:     cfg.Rules.Dir,
		Validator:    actions.DefaultRegistry(),
		StateDir:     dir,
		APIURL:       apiURL,
	}
	if serving {
		pc.WebhookSecretEnv = cfg.GitHub.WebhookSecretEnv
	}
	return preflight.NewChecker(pc)
}

func newGitHubClient() (*github.Client, error) {
	return github.NewClient(github.Options{
		Token:             cfg.Token(),
		BaseURL:           cfg.GitHub.APIURL,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		Burst:             cfg.GitHub.Burst,
		DispatchEvent:     cfg.GitHub.DispatchEvent,
	})
}

func newRuleLoader() *rules.FileLoader {
	return &rules.FileLoader{Path: cfg.Rules.Path, Dir: cfg.Rules.Dir, Validator: actions.DefaultRegistry()}
}

func newEngine(provider hosting.Provider) *engine.Engine {
	e := engine.New(provider, newRuleLoader())
	e.CommandPrefix = cfg.Engine.CommandPrefix
	e.Concurrency = cfg.Engine.Concurrency
	e.Log = mqlog.With("component", "engine")
	e.Redactor = cfg.Redactor()
	return e
}

func schedulerConfig() (scheduler.Config, error) {
	tick, err := cfg.TickInterval()
	if err != nil {
		return scheduler.Config{}, err
	}
	retry := hosting.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Scheduler.RetryAttempts
	return scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		SlotSize:     cfg.Scheduler.SlotSize,
		TickInterval: tick,
		Retry:        retry,
		Log:          mqlog.With("component", "scheduler"),
	}, nil
}
