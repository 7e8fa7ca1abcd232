package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/schaermu/mwmsync/internal/config"
	"github.com/schaermu/mwmsync/internal/fetch"
	"github.com/schaermu/mwmsync/internal/manifest"
	"github.com/schaermu/mwmsync/internal/oracle"
	"github.com/schaermu/mwmsync/internal/sync"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	sourceURL string
	rootDir   string
	dryRun    bool
	strict    bool
	staged    bool
)

func main() {
	// A missing .env is fine; values only feed ${VAR} expansion in the config.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mwmsync",
	Short: "Download map data files when the published version changes",
	Long: `mwmsync keeps a local data directory in sync with a map distribution server.

The download URL is taken from --url or composed from the version ("v") in the
checkout's data/countries.txt. When the URL differs from the one recorded in
<data>/last_downloaded.url, the data directory is wiped and every file below the
URL is downloaded again. Otherwise nothing happens.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mwmsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mwmsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync flags
	rootCmd.Flags().StringVarP(&sourceURL, "url", "u", "", "the url from which the MWMs should be downloaded")
	rootCmd.Flags().StringVar(&rootDir, "root", "", "checkout root containing data/countries.txt (default: search upwards from the working directory)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report whether a download is needed without changing anything")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "do not record the url when any file failed to download")
	rootCmd.Flags().BoolVar(&staged, "staged", false, "download into a staging directory and swap it in when done")

	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cfg); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	if err := resolvePaths(fs, cfg); err != nil {
		return err
	}
	logger.Debug("paths resolved",
		"root", cfg.Paths.Root,
		"data_dir", cfg.Paths.DataDir,
		"manifest", cfg.Paths.Manifest)

	url, err := oracle.New(fs, cfg.Source.URLTemplate).Resolve(cfg.Source.URL, cfg.Paths.Manifest)
	if err != nil {
		logger.Error("failed to resolve download url", "error", err)
		return err
	}

	engine := sync.NewEngine(fs, cfg.Paths.DataDir, newFetcher(fs, cfg), logger, sync.Options{
		Strict: cfg.Sync.Strict,
		Staged: cfg.Sync.Staged,
		DryRun: dryRun,
	})

	if _, err := engine.Sync(ctx, url); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or the default file when it exists, or falls back to defaults
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "mwmsync", "config.yaml")

		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			logger.Debug("no config file found, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"url_template", cfg.Source.URLTemplate,
		"backend", cfg.Fetch.Backend,
		"strict", cfg.Sync.Strict,
		"staged", cfg.Sync.Staged)

	return cfg, nil
}

// applyFlags lets command line flags override the configuration
func applyFlags(cfg *config.Config) error {
	if sourceURL != "" {
		cfg.Source.URL = sourceURL
	}
	if rootDir != "" {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return fmt.Errorf("failed to resolve --root: %w", err)
		}
		cfg.Paths.Root = abs
	}
	if strict {
		cfg.Sync.Strict = true
	}
	if staged {
		cfg.Sync.Staged = true
	}
	return cfg.Validate()
}

// resolvePaths locates the checkout root when a derived path needs it
func resolvePaths(fs afero.Fs, cfg *config.Config) error {
	needRoot := cfg.Paths.DataDir == "" || (cfg.Paths.Manifest == "" && cfg.Source.URL == "")
	if needRoot && cfg.Paths.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		root, err := manifest.FindRoot(fs, cwd)
		if err != nil {
			return fmt.Errorf("failed to locate checkout root (set --root or paths.root): %w", err)
		}
		cfg.Paths.Root = root
	}

	if cfg.Paths.Root == "" {
		return nil
	}
	return cfg.ResolvePaths()
}

func newFetcher(fs afero.Fs, cfg *config.Config) fetch.Fetcher {
	if cfg.Fetch.Backend == config.BackendWget {
		return fetch.NewWgetFetcher(fetch.WgetOptions{
			Timeout:   cfg.Fetch.Timeout,
			UserAgent: cfg.Fetch.UserAgent,
			MaxDepth:  cfg.Fetch.MaxDepth,
			Reject:    cfg.Fetch.Reject,
		})
	}
	return fetch.NewHTTPFetcher(fs, fetch.HTTPOptions{
		Timeout:   cfg.Fetch.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
		MaxDepth:  cfg.Fetch.MaxDepth,
		Reject:    cfg.Fetch.Reject,
	})
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
