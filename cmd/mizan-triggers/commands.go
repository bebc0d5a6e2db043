package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Annas82200/mizan-triggers/internal/config"
	"github.com/Annas82200/mizan-triggers/internal/dispatcher"
	"github.com/Annas82200/mizan-triggers/internal/logging"
	"github.com/Annas82200/mizan-triggers/internal/registry"
	"github.com/Annas82200/mizan-triggers/internal/seed"
)

type configLoader func() (config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator, scheduler, reconciler and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return invalidConfig(fmt.Errorf("configuration error: %w", err))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newValidateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return invalidConfig(err)
			}
			for _, w := range config.Warnings(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", w.Severity, w.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			data, err := cfg.MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newSeedCmd(load configLoader) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the triggers of a YAML seed file that do not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.SeedFile
			}
			if file == "" {
				return invalidConfig(fmt.Errorf("seed: --file or SEED_FILE is required"))
			}
			if err := config.Validate(cfg); err != nil {
				return invalidConfig(err)
			}

			f, err := seed.LoadFile(file)
			if err != nil {
				return invalidConfig(err)
			}
			return runSeed(cmd.Context(), cfg, f, cmd)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (defaults to SEED_FILE)")
	return cmd
}

// runSeed applies f to the configured store. Webhooks are only validated
// here; they are registered by serve.
func runSeed(ctx context.Context, cfg config.Config, f seed.File, cmd *cobra.Command) error {
	logger, closer, err := logging.New(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	defer closer.Close()

	st, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New(st, logger).WithCronValidator(cronParser())
	res, err := seed.New(reg, dispatcher.New(dispatcher.WithLogger(logger)), logger).Apply(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %d, existing %d\n", res.Created, res.Existing)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mizan-triggers version %s (commit: %s)\n", version, commit)
		},
	}
}
