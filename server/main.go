package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/logging"
)

var (
	configPath string
	listenAddr string
	dataDir    string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "collabtext-server",
		Short: "Real-time relay for collaborative documents",
		Long: `collabtext-server relays document updates and presence between
connected peers, persisting every accepted update before it is broadcast.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default)",
		RunE:  runServe,
	}

	compactDocs []string
	compactCmd  = &cobra.Command{
		Use:   "compact",
		Short: "Compact the stored update log of documents while the relay is stopped",
		RunE:  runCompact,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&listenAddr, "listen", "", "listen address, overrides the config")
	pf.StringVar(&dataDir, "data-dir", "", "data directory, overrides the config")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	compactCmd.Flags().StringSliceVar(&compactDocs, "doc", nil, "document id to compact (repeatable)")
	_ = compactCmd.MarkFlagRequired("doc")

	rootCmd.AddCommand(serveCmd, compactCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
