package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries state shared by every command.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
	logger  *slog.Logger

	// newApp is replaced in tests.
	newApp func(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), newApp: newApp}

	root := &cobra.Command{
		Use:          "stepwise",
		Short:        "Run declarative agent workflows",
		Long:         `stepwise executes workflows of agent, tool, function and sub-workflow steps, records their history and runs them on a schedule.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "", "config file (default: .stepwise/config.yaml or ~/.stepwise/config.yaml)")
	flags.String("db", "", "database path")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("workflows-dir", "", "directory of sub-workflow documents")
	_ = c.v.BindPFlag("db_path", flags.Lookup("db"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("workflows_dir", flags.Lookup("workflows-dir"))

	root.AddCommand(
		c.runCmd(),
		c.validateCmd(),
		c.runsCmd(),
		c.eventsCmd(),
		c.scheduleCmd(),
		c.diagramCmd(),
		c.serveCmd(),
		versionCmd(),
	)
	return root
}

// open builds the app for one command invocation.
func (c *cli) open(ctx context.Context) (*app, error) {
	return c.newApp(ctx, c.cfg, c.logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
