package main

import (
	"context"
	"fmt"
	"time"

	"call_audit/internal/app"
	"call_audit/internal/config"
	"call_audit/internal/controller"
	"call_audit/internal/jobs"
	"call_audit/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker HTTP API and, when enabled, the import watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), c.cfg)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}

func newBatchCommand(c *cli) *cobra.Command {
	var size int
	var provider string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process one batch in this process and print the run record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, c.cfg)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()
			if err := a.Recover(ctx); err != nil {
				return err
			}

			a.Queue().Start(ctx)
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.Queue().Stop(stopCtx)
			}()

			run, err := a.Manager().RunNow(ctx, jobs.StartRequest{BatchSize: size, Provider: provider})
			if err != nil {
				return err
			}
			if err := c.printJSON(run); err != nil {
				return err
			}
			if run.Status != store.BatchCompleted {
				return &BatchFailureError{BatchID: run.ID, Status: run.Status}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "number of calls to process (0 uses the configured default)")
	cmd.Flags().StringVar(&provider, "provider", "", "scoring provider: local or cloud")
	return cmd
}

func newImportCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Import call records from CSV files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), c.cfg)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()
			for _, path := range args {
				rep, err := a.Importer().ImportFile(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("import %s: %w", path, err)
				}
				if err := c.printJSON(rep); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newControlCommand(c *cli) *cobra.Command {
	var size int
	var provider, url string
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Start a batch on a remote worker and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = c.cfg.ControllerURL
			}
			client := controller.New(url, c.cfg.PollInterval)
			final, err := client.Run(cmd.Context(), size, provider, func(s jobs.Snapshot) {
				log.Info().Str("batch_id", s.BatchID).Int("processed", s.Processed).Int("total", s.Total).
					Int("successful", s.Successful).Int("failed", s.Failed).Msg("batch progress")
			})
			if err != nil {
				return err
			}
			return c.printJSON(final)
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "number of calls to process (0 uses the worker default)")
	cmd.Flags().StringVar(&provider, "provider", "", "scoring provider: local or cloud")
	cmd.Flags().StringVar(&url, "url", "", "worker base URL (defaults to controller_url)")
	return cmd
}

func newResetCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset CALL_ID",
		Short: "Move a failed call back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), c.cfg)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()
			if err := a.Store().ResetCall(cmd.Context(), args[0], config.Now()); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "call %s reset to pending\n", args[0])
			return nil
		},
	}
}
