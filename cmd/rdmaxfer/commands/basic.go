package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/session"
)

// NewBasicCmd creates the basic read/write exchange commands
func NewBasicCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "basic",
		Short: "Single RDMA WRITE and READ against a small exposed buffer",
		Long: `A minimal exchange for checking that a path works: the server exposes a
4 KiB buffer holding "server-initial", the client writes "client-wrote-this"
into it and reads it back.`,
	}

	cmd.AddCommand(newBasicServeCmd(g))
	cmd.AddCommand(newBasicClientCmd(g))

	return cmd
}

func newBasicServeCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the basic buffer and wait for one client",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(cmd, f.options(cmd), true, func(ctx context.Context, sess *session.Session, _ *config.Config) (output, error) {
				rep, err := sess.RunBasicServer(ctx)
				if err != nil {
					return output{}, err
				}

				return output{report: rep, rows: [][2]string{
					{"session", rep.SessionID},
					{"exposed", fmt.Sprintf("addr=%#x rkey=%#x", rep.Exposed.Addr, rep.Exposed.RKey)},
					{"initial", rep.Initial},
					{"final", rep.Final},
				}}, nil
			})
		},
	}

	f.addListen(cmd)

	return cmd
}

func newBasicClientCmd(g *globalOptions) *cobra.Command {
	f := &transferFlags{}
	var iterations int

	cmd := &cobra.Command{
		Use:   "client <peer>",
		Short: "Write to and read back a peer's basic buffer",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := f.options(cmd)
			opts.Peer = args[0]
			if cmd.Flags().Changed("iterations") {
				opts.Iterations = &iterations
			}

			return g.run(cmd, opts, true, func(ctx context.Context, sess *session.Session, cfg *config.Config) (output, error) {
				rep, err := sess.RunBasicClient(ctx, peerAddr(cfg))
				if err != nil {
					return output{}, err
				}

				rows := [][2]string{
					{"session", rep.SessionID},
					{"remote", fmt.Sprintf("addr=%#x rkey=%#x", rep.Remote.Addr, rep.Remote.RKey)},
					{"wrote", rep.Wrote},
					{"read back", rep.ReadBack},
					{"elapsed", rep.Elapsed.String()},
				}
				if rep.Iterations > 0 {
					rows = append(rows,
						[2]string{"cached writes", fmt.Sprintf("%d (%d bytes)", rep.Iterations, rep.CachedBytes)},
						[2]string{"mr cache", fmt.Sprintf("hits=%d misses=%d regs=%d entries=%d",
							rep.Cache.Hits, rep.Cache.Misses, rep.Cache.Registrations, rep.Cache.Entries)},
					)
				}

				return output{report: rep, rows: rows}, nil
			})
		},
	}

	f.addConnect(cmd)
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 0, "Writes through the registration cache before the exchange")

	return cmd
}
