package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/eventcast/internal/logging"
	"github.com/Tyrowin/eventcast/internal/server"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventcast",
		Short: "Real-time event distribution server",
		Long: `eventcast serves a server-sent event stream of clock ticks, a WebSocket
chat room broadcasting to every connection, and request/response endpoints
whose slow work runs on a bounded task pool.`,
		SilenceUsage: true,
		PreRunE: func(*cobra.Command, []string) error {
			return initConfig(v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (default is ./eventcast.yaml if present)")
	flags.StringP("port", "p", "", "listen address, e.g. :8080")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console)")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	return cmd
}

func initConfig(v *viper.Viper) error {
	server.SetDefaults(v)

	v.SetEnvPrefix("EVENTCAST")
	// EVENTCAST_RATE_LIMIT_BURST for rate_limit.burst
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
		return nil
	}

	v.SetConfigName("eventcast")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/eventcast")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := server.LoadConfig(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
	})
	if err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info().Str("file", used).Msg("loaded configuration")
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return <-serveErr
}
