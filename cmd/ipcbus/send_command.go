package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"ipcbus/internal/ipc"
	"ipcbus/internal/logging"
	"ipcbus/internal/message"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var fromStdin bool
	var perSecond float64
	var retryFor time.Duration

	cmd := &cobra.Command{
		Use:   "send NAME ID [PAYLOAD...]",
		Short: "Send one message per payload argument",
		Long: "Send attaches to the channel, sends each PAYLOAD argument as its own message\n" +
			"in order, and detaches. With --stdin the whole of standard input is sent as\n" +
			"one additional message. Only connections attached before the send receive it.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseChannelArgs(args)
			if err != nil {
				return err
			}
			payloads := make([][]byte, 0, len(args)-2+1)
			for _, arg := range args[2:] {
				payloads = append(payloads, []byte(arg))
			}
			if fromStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				payloads = append(payloads, data)
			}
			if len(payloads) == 0 {
				return errors.New("nothing to send: pass PAYLOAD arguments or --stdin")
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			reg, err := ctx.ensureRegistry()
			if err != nil {
				return err
			}
			conn, err := ipc.Open(reg, name, id, ipc.WithConfig(cfg), ipc.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("open channel: %w", err)
			}
			defer conn.Close()

			colorize := shouldColorize(cmd.ErrOrStderr())
			if snap, err := conn.Snapshot(); err == nil && snap.Attached <= 1 {
				fmt.Fprintln(cmd.ErrOrStderr(), renderStatusLine("Receivers", statusWarn, "none attached; messages will not be delivered", colorize))
			}

			var limiter *rate.Limiter
			if perSecond > 0 {
				limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
			}
			sent := 0
			for _, payload := range payloads {
				if limiter != nil {
					if err := limiter.Wait(cmd.Context()); err != nil {
						return err
					}
				}
				if err := sendWithRetry(cmd.Context(), conn, message.New(payload), retryFor, cfg.PollInterval()); err != nil {
					logging.WarnWithContext(logger, "send failed", "send_failed",
						logging.Channel(conn.Key()),
						logging.Int("sent", sent),
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "start a listener or raise --retry when the channel is full"),
						logging.String(logging.FieldImpact, "remaining payloads were not sent"),
					)
					return fmt.Errorf("send to %s after %d %s: %w", conn.Key(), sent, pluralize(sent, "message", "messages"), err)
				}
				sent++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d %s to %s\n", sent, pluralize(sent, "message", "messages"), conn.Key())
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Also send standard input as one message")
	cmd.Flags().Float64Var(&perSecond, "rate", 0, "Maximum messages per second (0 = unlimited)")
	cmd.Flags().DurationVar(&retryFor, "retry", 0, "Keep retrying a full channel for up to this long")
	return cmd
}

// sendWithRetry sends msg, retrying ErrChannelFull every interval until
// retry window has passed. Other errors are returned at once.
func sendWithRetry(ctx context.Context, conn *ipc.Connection, msg message.Message, window, interval time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		err := conn.Send(msg)
		if err == nil || !errors.Is(err, ipc.ErrChannelFull) || window <= 0 || time.Now().After(deadline) {
			return err
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
