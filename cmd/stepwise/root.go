package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries state shared by every subcommand. cfg and logger are populated
// in PersistentPreRunE.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}

	root := &cobra.Command{
		Use:   "stepwise",
		Short: "Step-at-a-time workflow orchestration engine",
		Long: `Stepwise runs registered multi-step workflows one step at a time. Each
advance validates the step output, falls back when the processor fails, and
commits the transition with an optimistic version check.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(c.v, c.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "Path to a settings file (default ~/.stepwise/settings.{json,yaml})")
	pf.String("log-level", "info", "Log level: debug, info, warn, error (env: STEPWISE_LOG_LEVEL)")
	pf.String("log-format", "text", "Log format: text or json (env: STEPWISE_LOG_FORMAT)")
	pf.String("store-driver", driverLibSQL, "Store backend: libsql, postgres, badger, memory (env: STEPWISE_STORE_DRIVER)")
	pf.String("store-dsn", "", "Store location: file path, directory, or postgres DSN (env: STEPWISE_STORE_DSN)")
	pf.String("definitions", "", "YAML workflow definitions file to register (env: STEPWISE_DEFINITIONS)")
	_ = c.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = c.v.BindPFlag("store.driver", pf.Lookup("store-driver"))
	_ = c.v.BindPFlag("store.dsn", pf.Lookup("store-dsn"))
	_ = c.v.BindPFlag("definitions", pf.Lookup("definitions"))

	root.AddCommand(
		newServeCmd(c),
		newMCPCmd(c),
		newCreateCmd(c),
		newGetCmd(c),
		newAdvanceCmd(c),
		newListCmd(c),
		newOutputsCmd(c),
		newTypesCmd(c),
		newMigrateCmd(c),
		newVersionCmd(),
	)
	return root
}

// execute runs the root command and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
