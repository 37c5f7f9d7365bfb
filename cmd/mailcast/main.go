package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/app"
	"github.com/foxzi/mailcast/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "mailcast",
	Short:        "Mailcast - campaign delivery engine",
	Long:         `Mailcast sends email campaigns through a pool of SMTP and HTTP API providers.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, scheduler and campaign runner",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume campaign jobs from the AMQP queue",
	Long:  `Run campaign jobs from the broker configured in queue.url without serving the API.`,
	RunE:  runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and seed providers",
	RunE:  runMigrate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailcast version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openCore opens storage for a one-shot command. The provider registry is
// left alone; migrate and serve reconcile it with the config.
func openCore(ctx context.Context) (*app.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, app.SetupLogger(cfg.Logging), app.OpenOptions{SkipSeed: true})
}

func runServe(cmd *cobra.Command, args []string) error {
	return runApp(app.ModeServe)
}

func runWorker(cmd *cobra.Command, args []string) error {
	return runApp(app.ModeWorker)
}

func runApp(mode app.Mode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, mode, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	core, err := app.Open(cmd.Context(), cfg, app.SetupLogger(cfg.Logging), app.OpenOptions{})
	if err != nil {
		return err
	}
	defer core.Close()

	fmt.Printf("Database ready: %s\n", cfg.Database.Path)
	fmt.Printf("Providers declared in config: %d\n", len(cfg.Providers))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Providers: %d\n", len(cfg.Providers))
	fmt.Printf("  Concurrency: %d\n", cfg.Orchestrator.Concurrency)
	if cfg.API.Enabled {
		fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Queue.URL != "" {
		fmt.Printf("  Job queue: %s\n", cfg.Queue.Name)
	}
	if cfg.Redis.URL != "" {
		fmt.Printf("  Shared throttle: redis\n")
	}

	return nil
}
