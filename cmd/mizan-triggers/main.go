package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Annas82200/mizan-triggers/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	return &exitError{code: exitInvalidConfig, err: err}
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitRuntimeError
	}
	return exitSuccess
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "mizan-triggers",
		Short: "Cross-module trigger and workflow orchestration engine",
		Long: `mizan-triggers routes events emitted by business modules to tenant-defined
triggers, evaluates their conditions and dispatches the matching actions into
target modules with retry, execution accounting and tenant isolation.

Configuration is read from environment variables (upper-case key names, for
example DATABASE_URL) and optionally from a config file given with --config.
Environment variables take precedence over the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")

	load := func() (config.Config, error) {
		return loadConfig(cfgFile)
	}

	root.AddCommand(
		newServeCmd(load),
		newValidateCmd(load),
		newConfigCmd(load),
		newSeedCmd(load),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the optional config file, then the environment.
// Parse errors are invalid configuration.
func loadConfig(cfgFile string) (config.Config, error) {
	v := config.NewViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return config.Config{}, invalidConfig(fmt.Errorf("config file not found: %s", cfgFile))
			}
			return config.Config{}, invalidConfig(fmt.Errorf("read config file: %w", err))
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return cfg, invalidConfig(err)
	}
	return cfg, nil
}
