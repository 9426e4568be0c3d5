package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/grouprelay/internal/client"
	"github.com/pelusa-v/grouprelay/internal/protocol"
)

const sendWait = 5 * time.Second

func printMessage(w io.Writer, m protocol.Message) {
	fmt.Fprintf(w, "[%s] %s <%s> %s\n", m.GroupCode, m.Timestamp, m.FromDevice, m.Content)
}

func newListenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <group>...",
		Short: "Join groups and print messages until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := opts.config()
			rec := client.NewReconciler(st, cfg.DeviceID, opts.rate, opts.logger())
			for _, g := range args {
				if err := rec.Track(g); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			conn := client.NewConnector(opts.sessionOptions(client.Handlers{
				OnMessage: func(m protocol.Message) { printMessage(out, m) },
				OnCount: func(c protocol.CountPayload) {
					fmt.Fprintf(out, "[%s] %d online\n", c.GroupCode, c.Count)
				},
				OnError: func(e protocol.ErrorPayload) {
					fmt.Fprintf(cmd.ErrOrStderr(), "relay: %s\n", e.Error)
				},
			}), rec)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := conn.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <group> <text>",
		Short: "Stage a message and deliver it if the relay is reachable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := opts.config()
			logger := opts.logger()
			rec := client.NewReconciler(st, cfg.DeviceID, opts.rate, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
			defer cancel()

			item, err := rec.Compose(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			acked := make(chan struct{})
			var ackOnce sync.Once
			s, err := client.Dial(ctx, opts.sessionOptions(client.Handlers{
				OnMessage: func(m protocol.Message) {
					if err := rec.HandleMessage(ctx, m); err != nil {
						logger.Error().Err(err).Msg("failed to store message")
					}
					if m.ClientID == item.ID && m.FromDevice == cfg.DeviceID {
						ackOnce.Do(func() { close(acked) })
					}
				},
			}))
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "staged %s; relay unreachable (%v)\n", item.ID, err)
				return nil
			}
			defer s.Close()

			if err := rec.OnConnected(ctx, s); err != nil {
				logger.Warn().Err(err).Msg("outbox flush incomplete")
			}

			select {
			case <-acked:
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %s\n", item.ID)
			case <-ctx.Done():
				fmt.Fprintf(cmd.OutOrStdout(), "staged %s; no acknowledgement yet\n", item.ID)
			}
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <group>",
		Short: "Print the cached messages of a group, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			msgs, err := st.GetMessagesByGroup(cmd.Context(), protocol.NormalizeGroupCode(args[0]))
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox [group]",
		Short: "List messages waiting for delivery",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			groups := args
			if len(groups) == 0 {
				if groups, err = st.OutboxGroups(cmd.Context()); err != nil {
					return err
				}
			}
			for _, g := range groups {
				items, err := st.GetOutboxByGroup(cmd.Context(), protocol.NormalizeGroupCode(g))
				if err != nil {
					return err
				}
				for _, it := range items {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s %s %s\n",
						it.GroupCode, it.Timestamp.Format(protocol.TimestampLayout), it.ID, it.Content)
				}
			}
			return nil
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [group]",
		Short: "Delete cached messages and outbox items, for one group or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				return st.ClearGroupData(cmd.Context(), protocol.NormalizeGroupCode(args[0]))
			}
			return st.ClearAllData(cmd.Context())
		},
	}
}
