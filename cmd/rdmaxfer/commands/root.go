// Package commands implements the rdmaxfer command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/health"
	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/server"
	"github.com/piwi3910/rdmaxfer/internal/session"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath    string
	fabric        string
	logLevel      string
	debug         bool
	jsonOutput    bool
	metricsListen string
	historyDir    string
}

// NewRootCmd creates the rdmaxfer root command
func NewRootCmd(version, commit string) *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "rdmaxfer",
		Short: "rdmaxfer - one-sided RDMA transfer and benchmark tool",
		Long: `rdmaxfer moves data between two hosts with one-sided RDMA WRITE and READ.

An acceptor exposes a registered buffer and sends its address and key in the
connection handshake; the initiator writes into it without further
involvement of the acceptor's CPU.

  rdmaxfer serve --expose-size 1G
  rdmaxfer send 192.168.1.10 --total-size 10G --chunk-size 4M

Configuration is read from rdmaxfer.yaml (., /etc/rdmaxfer, ~/.rdmaxfer),
RDMAXFER_* environment variables and flags, in increasing precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to configuration file")
	pf.StringVar(&g.fabric, "fabric", "", "Fabric provider (quic, sim)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logging with console output")
	pf.BoolVar(&g.jsonOutput, "json", false, "Print reports as JSON")
	pf.StringVar(&g.metricsListen, "metrics-listen", "", "Serve /metrics and /health on this address during the run")
	pf.StringVar(&g.historyDir, "history-dir", "", "Record runs in this directory")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return session.Usage(err)
	})

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newSendCmd(g))
	cmd.AddCommand(NewBasicCmd(g))
	cmd.AddCommand(NewImmCmd(g))
	cmd.AddCommand(NewTCPCmd(g))
	cmd.AddCommand(NewHistoryCmd(g))
	cmd.AddCommand(NewConfigCmd(g))
	cmd.AddCommand(NewDevicesCmd(g))

	return cmd
}

// exactArgs reports a wrong argument count as a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return session.Usage(cobra.ExactArgs(n)(cmd, args))
	}
}

var timeFormatOnce sync.Once

func setupLogging(level string, debug bool) {
	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if debug {
		lvl = zerolog.DebugLevel
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(lvl)
}

// load merges the persistent flags into opts, loads the configuration and
// sets up logging.
func (g *globalOptions) load(opts config.Options) (*config.Config, error) {
	if g.fabric != "" {
		opts.Fabric = g.fabric
	}
	if g.logLevel != "" {
		opts.LogLevel = g.logLevel
	}
	if g.metricsListen != "" {
		opts.MetricsListen = g.metricsListen
	}
	if g.historyDir != "" {
		opts.HistoryDir = g.historyDir
	}

	cfg, err := config.Load(g.configPath, opts)
	if err != nil {
		return nil, session.Usage(err)
	}

	setupLogging(cfg.LogLevel, g.debug)

	return cfg, nil
}

// output is a finished report: the value printed with --json and the rows
// printed otherwise.
type output struct {
	report any
	rows   [][2]string
}

func (g *globalOptions) print(w io.Writer, out output) error {
	if g.jsonOutput {
		data, err := json.MarshalIndent(out.report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}

		_, err = fmt.Fprintln(w, string(data))

		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, row := range out.rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}

	return tw.Flush()
}

// runFunc runs one session and returns its report.
type runFunc func(ctx context.Context, sess *session.Session, cfg *config.Config) (output, error)

// run loads the configuration, opens the fabric and the run history,
// serves metrics and health while fn runs, and prints fn's report.
// Fabric-less sessions pass useFabric false.
func (g *globalOptions) run(cmd *cobra.Command, opts config.Options, useFabric bool, fn runFunc) error {
	cfg, err := g.load(opts)
	if err != nil {
		return err
	}

	label := "tcp"
	var provider rdma.Provider
	if useFabric {
		label = cfg.Fabric

		provider, err = rdma.NewProvider(cfg.Fabric, nil)
		if err != nil {
			return session.Usage(err)
		}
		defer func() {
			if err := provider.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close fabric provider")
			}
		}()
	}
	metrics.Init(label)

	checker := health.NewChecker()
	sessOpts := []session.Option{session.WithHealth(checker)}

	if cfg.History.Dir != "" {
		store, err := history.Open(cfg.History.Dir)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close run history")
			}
		}()

		checker.Register("history", store.Component())
		sessOpts = append(sessOpts, session.WithHistory(store))
	}

	var srv *server.Server
	if cfg.Metrics.Listen != "" {
		srv = server.New(cfg.Metrics.Listen, checker)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(cfg, provider, sessOpts...)

	return server.RunAlongside(ctx, srv, func(ctx context.Context) error {
		out, err := fn(ctx, sess, cfg)
		if err != nil {
			return err
		}

		return g.print(cmd.OutOrStdout(), out)
	})
}

// peerAddr accepts a bare host, using the configured port, or host:port.
func peerAddr(cfg *config.Config) string {
	if _, _, err := net.SplitHostPort(cfg.Peer); err == nil {
		return cfg.Peer
	}

	return cfg.PeerAddr()
}

// transferFlags are the flags shared by the transfer commands.
type transferFlags struct {
	port       int
	bind       string
	source     string
	totalSize  string
	chunkSize  string
	exposeSize string
	csvPath    string

	initiatorDepth     int
	responderResources int
	verify             bool
}

func (f *transferFlags) addListen(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bind, "bind", "", "Address to listen on (default all)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Port (default 7471)")
}

func (f *transferFlags) addConnect(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Peer port (default 7471)")
	cmd.Flags().StringVar(&f.source, "source", "", "Local source address to bind (RDMA_SRC_IP)")
	cmd.Flags().IntVar(&f.initiatorDepth, "initiator-depth", 0, "Outstanding RDMA READs this side may issue (RDMA_INITIATOR_DEPTH)")
	cmd.Flags().IntVar(&f.responderResources, "responder-resources", 0, "Incoming RDMA READs this side accepts (RDMA_RESPONDER_RESOURCES)")
}

func (f *transferFlags) addSizes(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.totalSize, "total-size", "s", "", "Bytes to send, with optional k/m/g suffix")
	cmd.Flags().StringVarP(&f.chunkSize, "chunk-size", "c", "", "Bytes per operation, with optional k/m/g suffix")
}

// options converts the flags that were set into configuration overrides.
func (f *transferFlags) options(cmd *cobra.Command) config.Options {
	opts := config.Options{
		Port:       f.port,
		BindAddr:   f.bind,
		SourceAddr: f.source,
		TotalSize:  f.totalSize,
		ChunkSize:  f.chunkSize,
		ExposeSize: f.exposeSize,
		CSVPath:    f.csvPath,
	}

	if cmd.Flags().Changed("initiator-depth") {
		opts.InitiatorDepth = &f.initiatorDepth
	}
	if cmd.Flags().Changed("responder-resources") {
		opts.ResponderResources = &f.responderResources
	}
	if cmd.Flags().Changed("verify") {
		opts.Verify = &f.verify
	}

	return opts
}

func mib(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + " MiB/s"
}
