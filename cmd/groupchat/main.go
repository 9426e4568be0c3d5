package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pelusa-v/grouprelay/internal/client"
	"github.com/pelusa-v/grouprelay/internal/config"
	"github.com/pelusa-v/grouprelay/internal/store"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	v       *viper.Viper
	verbose bool
	rate    int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "groupchat",
		Short: "Group chat device client",
		Long: `Talk to a group chat relay from the command line.

Messages are cached in a local SQLite store. Anything composed while the relay
is unreachable waits in the outbox and is resent on the next connection.`,
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()
	f.String("relay", opts.v.GetString(config.KeyRelayURL), "relay websocket URL")
	f.String("device", "", "device id (required to connect)")
	f.String("access-key", "", "relay access key")
	f.String("store", opts.v.GetString(config.KeyStorePath), "path to the local store")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")
	f.IntVar(&opts.rate, "resend-rate", 20, "max outbox resends per second (0: unbounded)")
	_ = opts.v.BindPFlag(config.KeyRelayURL, f.Lookup("relay"))
	_ = opts.v.BindPFlag(config.KeyDeviceID, f.Lookup("device"))
	_ = opts.v.BindPFlag(config.KeyAccessKey, f.Lookup("access-key"))
	_ = opts.v.BindPFlag(config.KeyStorePath, f.Lookup("store"))

	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newOutboxCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	return cmd
}

func (o *rootOptions) config() *config.ClientConfig {
	return config.LoadClient(o.v)
}

func (o *rootOptions) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func (o *rootOptions) openStore() (*store.Store, error) {
	return store.Open(o.config().StorePath, o.logger())
}

func (o *rootOptions) sessionOptions(h client.Handlers) client.Options {
	cfg := o.config()
	return client.Options{
		URL:       cfg.RelayURL,
		DeviceID:  cfg.DeviceID,
		AccessKey: cfg.AccessKey,
		Handlers:  h,
		Logger:    o.logger(),
	}
}
