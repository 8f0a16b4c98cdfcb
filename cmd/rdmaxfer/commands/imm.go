package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/session"
)

// NewImmCmd creates the write-with-immediate commands
func NewImmCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imm",
		Short: "RDMA WRITE with immediate data completing a posted receive",
		Long: `The server exposes the basic buffer and posts one receive before accepting.
The client writes "client-wrote-with-imm" into the buffer with the payload
length as immediate data; the write consumes the receive and the server
reports the immediate and the buffer content.`,
	}

	cmd.AddCommand(newImmServeCmd(g))
	cmd.AddCommand(newImmClientCmd(g))

	return cmd
}

func newImmServeCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Post a receive and wait for one write with immediate data",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(cmd, f.options(cmd), true, func(ctx context.Context, sess *session.Session, _ *config.Config) (output, error) {
				rep, err := sess.RunImmServer(ctx)
				if err != nil {
					return output{}, err
				}

				return output{report: rep, rows: [][2]string{
					{"session", rep.SessionID},
					{"exposed", fmt.Sprintf("addr=%#x rkey=%#x", rep.Exposed.Addr, rep.Exposed.RKey)},
					{"imm_data", fmt.Sprintf("%#x (%d)", rep.ImmData, rep.ImmData)},
					{"byte_len", fmt.Sprint(rep.ByteLen)},
					{"final", rep.Final},
				}}, nil
			})
		},
	}

	f.addListen(cmd)

	return cmd
}

func newImmClientCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "client <peer>",
		Short: "Write into a peer's buffer with immediate data",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := f.options(cmd)
			opts.Peer = args[0]

			return g.run(cmd, opts, true, func(ctx context.Context, sess *session.Session, cfg *config.Config) (output, error) {
				rep, err := sess.RunImmClient(ctx, peerAddr(cfg))
				if err != nil {
					return output{}, err
				}

				return output{report: rep, rows: [][2]string{
					{"session", rep.SessionID},
					{"remote", fmt.Sprintf("addr=%#x rkey=%#x", rep.Remote.Addr, rep.Remote.RKey)},
					{"wrote", rep.Wrote},
					{"imm_data", fmt.Sprint(rep.ImmData)},
					{"elapsed", rep.Elapsed.String()},
				}}, nil
			})
		},
	}

	f.addConnect(cmd)

	return cmd
}
