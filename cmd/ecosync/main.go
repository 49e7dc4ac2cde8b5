package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/xelth-com/ecosyncgo/internal/buildinfo"
	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/logger"
)

// cli holds what the persistent pre-run loaded for the subcommands
type cli struct {
	cfg     *config.Config
	syncCfg *config.SyncConfig
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(c *cli) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		syncCfg, err := config.LoadSyncConfig()
		if err != nil {
			return err
		}
		logger.Init(cfg.LogLevel, cfg.LogFormat)

		c.cfg = cfg
		c.syncCfg = syncCfg
		return nil
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "ecosync",
		Short:         "Offline-first pollution report sync",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentPreRunE = preRun(c)

	rootCmd.AddCommand(serveCommand(c))
	rootCmd.AddCommand(enqueueCommand(c))
	rootCmd.AddCommand(syncCommand(c))
	rootCmd.AddCommand(statusCommand(c))
	rootCmd.AddCommand(cacheCommands(c))
	rootCmd.AddCommand(keyCommands(c))
	return rootCmd
}

func main() {
	defer recoverPanic()

	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
