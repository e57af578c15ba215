package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"call_audit/internal/config"
	"call_audit/internal/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

// cli carries the configuration loaded once per invocation.
type cli struct {
	cfg      config.Config
	out      io.Writer
	cfgPath  string
	logLevel string
}

func newRootCommand() *cobra.Command {
	c := &cli{out: os.Stdout}
	cmd := &cobra.Command{
		Use:   "call-audit",
		Short: "Transcribe and score recorded support calls",
		Long: `call-audit imports call records, downloads their recordings, transcribes
them with Whisper and scores each transcript against the audit criteria
using a local or cloud language model.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.cfgPath != "" {
				os.Setenv("CONFIG_PATH", c.cfgPath)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.LogLevel = c.logLevel
			}
			logging.Init(cfg.LogLevel, cfg.LogFormat)
			c.cfg = cfg
			c.out = cmd.OutOrStdout()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgPath, "config", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCommand(c))
	cmd.AddCommand(newBatchCommand(c))
	cmd.AddCommand(newImportCommand(c))
	cmd.AddCommand(newControlCommand(c))
	cmd.AddCommand(newResetCommand(c))
	return cmd
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
