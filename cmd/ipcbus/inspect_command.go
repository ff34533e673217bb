package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ipcbus/internal/channel"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "inspect NAME ID",
		Short: "Show the shared state of one channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := channelKeyFromArgs(args)
			if err != nil {
				return err
			}
			reg, err := ctx.ensureRegistry()
			if err != nil {
				return err
			}
			snap, err := reg.Inspect(key)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("channel %s has no attached connections", key)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, snap)
			}
			renderSnapshot(cmd.OutOrStdout(), snap, shouldColorize(cmd.OutOrStdout()), time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newReapCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap NAME ID",
		Short: "Free connection slots whose process has exited",
		Long: "Free connection slots whose owning process no longer exists.\n" +
			"Useful when channels.reap_stale_slots is off or nothing has attached since the crash.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := channelKeyFromArgs(args)
			if err != nil {
				return err
			}
			reg, err := ctx.ensureRegistry()
			if err != nil {
				return err
			}
			freed, err := reg.Evict(key, func(slot channel.SlotInfo) bool { return !slot.Alive })
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("channel %s has no attached connections", key)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Freed %d stale %s on %s\n", freed, pluralize(freed, "slot", "slots"), key)
			return nil
		},
	}
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels under the configured root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := ctx.ensureRegistry()
			if err != nil {
				return err
			}
			snaps, err := reg.List()
			if err != nil {
				return err
			}
			if jsonOutput {
				if snaps == nil {
					snaps = []channel.Snapshot{}
				}
				return writeJSON(cmd, snaps)
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintf(out, "No channels under %s\n", reg.Root())
				return nil
			}
			fmt.Fprint(out, renderChannelTable(snaps, time.Now()))
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func renderSnapshot(out io.Writer, snap channel.Snapshot, colorize bool, now time.Time) {
	for _, line := range renderSectionHeader("Channel "+snap.Key.String(), colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderField("Segment", snap.Path))
	fmt.Fprintln(out, renderStatusLine("Ring", ringStatus(snap), fmt.Sprintf("%s of %s in use", formatBytes(snap.Used), formatBytes(snap.Capacity)), colorize))
	fmt.Fprintln(out, renderField("Connections", fmt.Sprintf("%d of %d slots", snap.Attached, snap.MaxConnections)))
	fmt.Fprintln(out, renderField("Messages", fmt.Sprintf("%d sent, next seq %d", snap.Enqueued, snap.NextSeq)))
	if snap.Evicted > 0 {
		fmt.Fprintln(out, renderField("Evicted", fmt.Sprintf("%d unread by idle connections", snap.Evicted)))
	}
	fmt.Fprintln(out, renderField("Created", formatAge(snap.CreatedAt, now)))
	fmt.Fprintln(out, renderField("Last send", formatAge(snap.LastSendAt, now)))
	if len(snap.Slots) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, renderSlotTable(snap))
	fmt.Fprintln(out)
}

// ringStatus warns when less than a quarter of the ring is free.
func ringStatus(snap channel.Snapshot) statusKind {
	if snap.Capacity == 0 {
		return statusInfo
	}
	if snap.Used*4 >= snap.Capacity*3 {
		return statusWarn
	}
	return statusOK
}

func renderSlotTable(snap channel.Snapshot) string {
	headers := []string{"Slot", "PID", "Connection", "Alive", "Backlog", "Delivered"}
	rows := make([][]string, 0, len(snap.Slots))
	for _, slot := range snap.Slots {
		rows = append(rows, []string{
			strconv.Itoa(slot.Index),
			strconv.Itoa(slot.PID),
			shortID(slot.ConnectionID.String()),
			yesNo(slot.Alive),
			formatBytes(slot.Backlog),
			strconv.FormatUint(slot.Delivered, 10),
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignRight})
}

func renderChannelTable(snaps []channel.Snapshot, now time.Time) string {
	headers := []string{"Name", "ID", "Connections", "Used", "Capacity", "Messages", "Last send"}
	rows := make([][]string, 0, len(snaps))
	for _, snap := range snaps {
		rows = append(rows, []string{
			snap.Key.Name,
			strconv.FormatInt(snap.Key.ID, 10),
			fmt.Sprintf("%d/%d", snap.Attached, snap.MaxConnections),
			formatBytes(snap.Used),
			formatBytes(snap.Capacity),
			strconv.FormatUint(snap.Enqueued, 10),
			formatAge(snap.LastSendAt, now),
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft})
}

func shortID(id string) string {
	if short, _, ok := strings.Cut(id, "-"); ok {
		return short
	}
	return id
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatUint(n, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatAge(ts, now time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Second:
		return "just now"
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return ts.Local().Format("2006-01-02 15:04")
	}
}
