package commands

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/session"
	"github.com/piwi3910/rdmaxfer/internal/tcpbaseline"
)

// NewTCPCmd creates the TCP baseline commands
func NewTCPCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp",
		Short: "Move the same byte count over TCP for comparison",
	}

	cmd.AddCommand(newTCPServeCmd(g))
	cmd.AddCommand(newTCPSendCmd(g))

	return cmd
}

func tcpRows(id string, rep tcpbaseline.Report) [][2]string {
	return [][2]string{
		{"session", id},
		{"requested", config.FormatSize(rep.Requested)},
		{"bytes", strconv.FormatUint(rep.Bytes, 10)},
		{"complete", strconv.FormatBool(rep.Complete())},
		{"elapsed", rep.Elapsed.String()},
		{"throughput", mib(rep.MiBPerSecond())},
	}
}

func newTCPServeCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept one TCP stream and read --total-size bytes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(cmd, f.options(cmd), false, func(ctx context.Context, sess *session.Session, _ *config.Config) (output, error) {
				rep, err := sess.RunTCPSink(ctx)
				if err != nil {
					return output{}, err
				}

				return output{report: rep, rows: tcpRows(sess.ID, rep)}, nil
			})
		},
	}

	f.addListen(cmd)
	f.addSizes(cmd)

	return cmd
}

func newTCPSendCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "send <peer>",
		Short: "Stream --total-size bytes to a peer over TCP",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := f.options(cmd)
			opts.Peer = args[0]

			return g.run(cmd, opts, false, func(ctx context.Context, sess *session.Session, cfg *config.Config) (output, error) {
				rep, err := sess.RunTCPSend(ctx, peerAddr(cfg))
				if err != nil {
					return output{}, err
				}

				return output{report: rep, rows: tcpRows(sess.ID, rep)}, nil
			})
		},
	}

	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Peer port (default 7471)")
	f.addSizes(cmd)

	return cmd
}
