package commands

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/session"
)

var errNoHistoryDir = errors.New("history.dir is not set (use --history-dir)")

// NewHistoryCmd creates the history command
func NewHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(limit)
			if err != nil {
				return err
			}

			if g.jsonOutput {
				return g.print(cmd.OutOrStdout(), output{report: records})
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSESSION\tKIND\tFABRIC\tBYTES\tTHROUGHPUT\tRESULT")
			for _, r := range records {
				result := "ok"
				if !r.Succeeded() {
					result = r.Error
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Format(time.DateTime), r.SessionID, r.Kind, r.Fabric, r.Bytes, mib(r.MiBPerSecond()), result)
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "Number of runs to show")

	cmd.AddCommand(newHistoryShowCmd(g))
	cmd.AddCommand(newHistoryPruneCmd(g))

	return cmd
}

func (g *globalOptions) openHistory() (*history.Store, error) {
	cfg, err := g.load(config.Options{})
	if err != nil {
		return nil, err
	}

	if cfg.History.Dir == "" {
		return nil, session.Usage(errNoHistoryDir)
	}

	return history.Open(cfg.History.Dir)
}

func newHistoryShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one recorded run",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.Get(args[0])
			if err != nil {
				return err
			}

			rows := [][2]string{
				{"session", r.SessionID},
				{"kind", r.Kind},
				{"role", r.Role},
				{"fabric", r.Fabric},
				{"peer", r.Peer},
				{"started", r.StartedAt.Format(time.RFC3339)},
				{"requested", config.FormatSize(r.Requested)},
				{"bytes", strconv.FormatUint(r.Bytes, 10)},
				{"truncated", strconv.FormatBool(r.Truncated)},
				{"elapsed", r.Elapsed.String()},
				{"throughput", mib(r.MiBPerSecond())},
				{"operations", fmt.Sprintf("%d (%d signaled)", r.Operations, r.Signaled)},
				{"stalls", strconv.Itoa(r.Stalls)},
			}
			if r.Latency.Count > 0 {
				rows = append(rows, [2]string{"latency p99", r.Latency.P99.String()})
			}
			if r.Verified != nil {
				rows = append(rows, [2]string{"verified bytes", strconv.FormatUint(*r.Verified, 10)})
			}
			if r.Error != "" {
				rows = append(rows, [2]string{"error", r.Error})
			}

			return g.print(cmd.OutOrStdout(), output{report: r, rows: rows})
		},
	}
}

func newHistoryPruneCmd(g *globalOptions) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(keep)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d runs\n", n)

			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", history.DefaultLimit, "Number of runs to keep")

	return cmd
}
