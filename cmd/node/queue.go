package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"cloudpico-node/internal/app"
	"cloudpico-node/internal/queue"
)

// Queue commands operate on the persisted queue directly and must not be
// used while `run` holds the same store.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the persistent reading queue",
}

var queueStatCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show queue capacity, depth and cursors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		q, store, err := app.OpenQueue(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer store.Close()

		return printStats(cmd.OutOrStdout(), q.Stats(), asJSON)
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Connect to the broker and publish all buffered readings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := app.Drain(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Drained %d of %d buffered readings (%d remaining)\n",
			res.Before-res.After, res.Before, res.After)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every buffered reading",
	Long: `Discard every buffered reading by resetting the queue cursors.

Slot contents stay in the store but become unreachable. This cannot be
undone, so --yes is required.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to clear the queue without --yes")
		}

		q, store, err := app.OpenQueue(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer store.Close()

		discarded := q.Len()
		if err := q.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d buffered readings\n", discarded)
		return nil
	},
}

func printStats(w io.Writer, st queue.Stats, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(w, "Capacity:      %d\n", st.Capacity)
	fmt.Fprintf(w, "Buffered:      %d\n", st.Count)
	fmt.Fprintf(w, "Read cursor:   %d\n", st.ReadCursor)
	fmt.Fprintf(w, "Write cursor:  %d\n", st.WriteCursor)
	return nil
}

func init() {
	queueStatCmd.Flags().Bool("json", false, "Print stats as JSON")
	queueDrainCmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	queueClearCmd.Flags().Bool("yes", false, "Confirm discarding all buffered readings")

	queueCmd.AddCommand(queueStatCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)
}
