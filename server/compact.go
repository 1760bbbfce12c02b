package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"collabtext/internal/engine"
	"collabtext/internal/relay"
)

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	factory, err := engine.Lookup(cfg.Engine)
	if err != nil {
		return err
	}
	store, err := openUpdateLog(cfg, logger)
	if err != nil {
		return fmt.Errorf("open update log: %w", err)
	}
	defer store.Close()

	for _, id := range compactDocs {
		if err := relay.CompactLog(cmd.Context(), store, factory, id); err != nil {
			return err
		}
		logger.Info("document compacted", "doc", id)
	}
	return nil
}
