package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/session"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose a buffer and receive one bulk transfer",
		Long: `Listen for one initiator, expose a zero-filled registered buffer of
--expose-size bytes in the handshake and wait until the initiator has written
into it and disconnected.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(cmd, f.options(cmd), true, func(ctx context.Context, sess *session.Session, _ *config.Config) (output, error) {
				rep, err := sess.RunBulkReceiver(ctx)
				if err != nil {
					return output{}, err
				}

				rows := [][2]string{
					{"session", rep.SessionID},
					{"exposed", config.FormatSize(rep.Exposed)},
					{"elapsed", rep.Elapsed.String()},
					{"throughput", mib(rep.MiBPerSecond())},
				}
				if rep.Verified != nil {
					rows = append(rows, [2]string{"verified bytes", strconv.FormatUint(*rep.Verified, 10)})
				}

				return output{report: rep, rows: rows}, nil
			})
		},
	}

	f.addListen(cmd)
	cmd.Flags().StringVarP(&f.exposeSize, "expose-size", "e", "", "Bytes to expose, with optional k/m/g suffix")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "Count received bytes that match the fill pattern")

	return cmd
}

func newSendCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "send <peer>",
		Short: "Write data into a peer's exposed buffer",
		Long: `Connect to a peer running "rdmaxfer serve", learn its exposed buffer from
the handshake and write --total-size bytes into it in --chunk-size RDMA
WRITEs, keeping up to max_in_flight operations outstanding.

The peer may be given as host or host:port.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := f.options(cmd)
			opts.Peer = args[0]

			return g.run(cmd, opts, true, func(ctx context.Context, sess *session.Session, cfg *config.Config) (output, error) {
				rep, err := sess.RunBulkSender(ctx, peerAddr(cfg))
				if err != nil {
					return output{}, err
				}

				rows := [][2]string{
					{"session", rep.SessionID},
					{"peer", rep.Peer},
					{"remote", fmt.Sprintf("addr=%#x rkey=%#x capacity=%s", rep.Remote.Addr, rep.Remote.RKey, config.FormatSize(rep.Remote.Capacity))},
					{"requested", config.FormatSize(rep.Requested)},
					{"sent", strconv.FormatUint(rep.BytesSent, 10)},
					{"truncated", strconv.FormatBool(rep.Truncated)},
					{"operations", fmt.Sprintf("%d (%d signaled)", rep.Operations, rep.Signaled)},
					{"elapsed", rep.Elapsed.String()},
					{"throughput", mib(rep.MiBPerSecond())},
					{"stalls", strconv.Itoa(rep.Stalls)},
				}
				if rep.Latency.Count > 0 {
					rows = append(rows, [2]string{"latency", fmt.Sprintf("p50=%s p99=%s p999=%s max=%s",
						rep.Latency.P50, rep.Latency.P99, rep.Latency.P999, rep.Latency.Max)})
				}

				return output{report: rep, rows: rows}, nil
			})
		},
	}

	f.addConnect(cmd)
	f.addSizes(cmd)
	cmd.Flags().StringVar(&f.csvPath, "csv", "", "Write progress samples to this CSV file")

	return cmd
}
