package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pelusa-v/grouprelay/internal/chat"
	"github.com/pelusa-v/grouprelay/internal/config"
	"github.com/pelusa-v/grouprelay/internal/handlers"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Group chat relay server",
		Long: `Run the group chat relay.

Devices connect over a websocket at /ws, join rooms by group code and have
their messages fanned out to every member of the room. Nothing is stored on
the server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), config.Load(v))
		},
	}

	cmd.Flags().String("port", v.GetString(config.KeyPort), "listen port")
	cmd.Flags().String("access-key", "", "shared access key required from devices (empty: open relay)")
	cmd.Flags().String("uploads-dir", v.GetString(config.KeyUploadsDir), "directory for uploaded files")
	bind(v, cmd, config.KeyPort, "port")
	bind(v, cmd, config.KeyAccessKey, "access-key")
	bind(v, cmd, config.KeyUploadsDir, "uploads-dir")

	return cmd
}

func bind(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	relay := chat.NewRelay(chat.NewGateway(cfg.AccessKey), chat.Limits{
		QueueLen:    cfg.OutboundQueueLen,
		BufferBytes: cfg.OutboundBufferBytes,
	}, logger)

	app, err := handlers.NewApp(cfg, relay, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("access_key", relay.Gateway().RequiresKey()).
			Msg("starting relay")
		errc <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errc:
		logger.Error().Err(err).Msg("server failed")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
