package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/glimte/resumebus/internal/config"
	"github.com/glimte/resumebus/internal/logging"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd(viper.New()).ExecuteContext(ctx)
}

// rootOptions are shared by every subcommand
type rootOptions struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	opts := &rootOptions{v: v}

	rootCmd := &cobra.Command{
		Use:   "resumebus",
		Short: "Resume service messaging over RabbitMQ",
		Long: `resumebus runs the resume service on RabbitMQ and talks to other services
on the same bus.

Server commands:
  resumebus serve                         Consume events and answer RPC requests

Client commands:
  resumebus publish <target> <type> [data]   Publish an event
  resumebus request <queue> <type> [data]    Send an RPC request and print the reply
  resumebus resume-url <user-id>             Ask the user service for a resume URL

Settings come from flags, the environment (RABBITMQ_URL, EXCHANGE_NAME,
SERVICE_NAME, SERVICE_QUEUE, SERVICE_RPC, USER_RPC, REDIS_URL, ...) and an
optional config file, in that order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")
	pf.StringP("url", "u", "", "RabbitMQ connection URL")
	pf.String("exchange", "", "exchange events are routed through")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	bindFlag(v, pf, "rabbitmq.url", "url")
	bindFlag(v, pf, "rabbitmq.exchange", "exchange")
	bindFlag(v, pf, "log.level", "log-level")
	bindFlag(v, pf, "log.format", "log-format")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newPublishCmd(opts))
	rootCmd.AddCommand(newRequestCmd(opts))
	rootCmd.AddCommand(newResumeURLCmd(opts))

	return rootCmd
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	_ = v.BindPFlag(key, flags.Lookup(name))
}

// load reads the configuration and sets up the process logger
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Service.Name, os.Stderr)
	return cfg, logger, nil
}
