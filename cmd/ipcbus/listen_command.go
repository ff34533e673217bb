package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ipcbus/internal/ipc"
	"ipcbus/internal/logging"
	"ipcbus/internal/message"
	"ipcbus/internal/metrics"
)

// receivedMessage is the --json line format.
type receivedMessage struct {
	Seq      uint64    `json:"seq"`
	Producer uuid.UUID `json:"producer"`
	SentAt   time.Time `json:"sent_at"`
	Payload  []byte    `json:"payload"`
}

func newListenCommand(ctx *commandContext) *cobra.Command {
	var count int
	var timeout time.Duration
	var jsonOutput bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "listen NAME ID",
		Short: "Print messages sent on a channel",
		Long: "Listen attaches to the channel and prints every message other connections send\n" +
			"from then on, one per line. Payloads are written raw; --json writes one object\n" +
			"per message with the payload base64-encoded.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseChannelArgs(args)
			if err != nil {
				return err
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
			addr := strings.TrimSpace(metricsAddr)
			if addr == "" {
				addr = cfg.Metrics.Listen
			}

			runCtx := cmd.Context()
			if timeout > 0 {
				var cancelTimeout context.CancelFunc
				runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
				defer cancelTimeout()
			}
			runCtx, cancel := context.WithCancel(runCtx)
			defer cancel()

			var m *metrics.Metrics
			if addr != "" {
				m = metrics.New()
			}
			conn, err := ipc.Open(reg, name, id,
				ipc.WithConfig(cfg),
				ipc.WithLogger(logger),
				ipc.WithMetrics(m),
			)
			if err != nil {
				return fmt.Errorf("open channel: %w", err)
			}
			defer conn.Close()
			logCtx := logging.WithChannel(runCtx, conn.Key().String())
			logCtx = logging.WithConnection(logCtx, conn.ID().String())
			logger = logging.WithContext(logCtx, logger)

			printer := &messagePrinter{out: cmd.OutOrStdout(), json: jsonOutput, limit: count, done: cancel}
			conn.SetCallback(printer.print)
			conn.SetErrorHandler(func(err error) {
				logger.Debug("dispatch error reported", logging.Error(err))
			})
			if err := conn.StartAutoDispatch(); err != nil {
				return err
			}
			logger.Info("listening", logging.Int("count", count), logging.Duration("timeout", timeout))

			group, groupCtx := errgroup.WithContext(runCtx)
			if m != nil {
				group.Go(func() error { return m.Serve(groupCtx, addr, logger) })
			}
			group.Go(func() error {
				<-groupCtx.Done()
				return nil
			})
			waitErr := group.Wait()
			conn.StopAutoDispatch()
			if waitErr != nil {
				return waitErr
			}
			received, printErr := printer.result()
			if printErr != nil {
				return fmt.Errorf("write message: %w", printErr)
			}
			if count > 0 && received < count {
				if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("timed out after %s with %d of %d %s", timeout, received, count, pluralize(count, "message", "messages"))
				}
				return cmd.Context().Err()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0 = until interrupted)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Exit after this long (0 = no limit)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Write one JSON object per message")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default metrics.listen)")
	return cmd
}

type messagePrinter struct {
	out   io.Writer
	json  bool
	limit int
	done  context.CancelFunc

	mu    sync.Mutex
	count int
	err   error
}

func (p *messagePrinter) print(msg message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil || (p.limit > 0 && p.count >= p.limit) {
		return
	}
	if p.json {
		p.err = json.NewEncoder(p.out).Encode(receivedMessage{
			Seq:      msg.Seq(),
			Producer: msg.Producer(),
			SentAt:   msg.SentAt().UTC(),
			Payload:  msg.Data(),
		})
	} else {
		data := msg.Data()
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		_, p.err = p.out.Write(data)
	}
	if p.err != nil {
		p.done()
		return
	}
	p.count++
	if p.limit > 0 && p.count >= p.limit {
		p.done()
	}
}

func (p *messagePrinter) result() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, p.err
}
