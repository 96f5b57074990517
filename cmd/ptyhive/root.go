package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ptyhive/internal/config"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configFile string
	v          *viper.Viper
}

// load binds the running command's flags to their config keys and
// decodes the configuration. Commands bind only when they run, so two
// commands may map different flags to the same key.
func (o *rootOptions) load(flags *pflag.FlagSet, bindings map[string]string) (config.Config, error) {
	for key, name := range bindings {
		if err := o.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return config.Config{}, fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return config.Load(o.v, o.configFile)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	rootCmd := &cobra.Command{
		Use:           "ptyhive",
		Short:         "Host interactive terminal sessions behind a websocket API",
		Long:          "ptyhive runs programs in pseudo-terminals, keeps a replayable history of their output, recognises prompts, rate limits and API errors in it, and streams everything to websocket and REST clients.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level: debug, info, warn, error")
	_ = opts.v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAttachCmd(opts),
		newClassifyCmd(opts),
		newSessionsCmd(opts),
	)

	return rootCmd
}

// newLogger returns an slog logger rendered by charmbracelet/log.
func newLogger(w io.Writer, level string) *slog.Logger {
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "ptyhive",
	})
	lvl, err := charmlog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = charmlog.InfoLevel
	}
	handler.SetLevel(lvl)
	return slog.New(handler)
}

func stderrLogger(level string) *slog.Logger {
	return newLogger(os.Stderr, level)
}
