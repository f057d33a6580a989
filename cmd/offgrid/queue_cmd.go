package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"offgrid/internal/offgrid"
	"offgrid/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or replay the offline mutation queue",
		Long: `Inspect or replay the offline mutation queue.

The queue database is locked while the server runs; stop it first.`,
	}
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueFlushCmd())
	return cmd
}

func openQueue() (*queue.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return queue.Open(filepath.Join(cfg.Storage.Dir, "queue"))
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queued mutations in replay order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			items, err := q.List()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tID\tENQUEUED\tMETHOD\tURL\tBYTES")
			for _, m := range items {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
					m.Seq, m.ID, time.UnixMilli(m.EnqueuedAt).Format(time.RFC3339), m.Method, m.URL, len(m.Body))
			}
			return tw.Flush()
		},
	}
}

func newQueueFlushCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Replay every queued mutation against the origin once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			rep, err := queue.NewReplayer(q, offgrid.NewOriginClient(timeout), nil).Replay(cmd.Context())
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d replayed=%d failed=%d remaining=%d\n",
				rep.Attempted, rep.Replayed, rep.Failed, rep.Remaining)
			if rep.Failed > 0 {
				return fmt.Errorf("%d mutations failed and stay queued", rep.Failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
	return cmd
}
