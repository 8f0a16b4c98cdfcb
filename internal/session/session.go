// Package session runs one complete transfer session: handshake,
// capability exchange, data movement, report and teardown. Every session
// carries a generated id that appears on all of its log lines and in the
// run history.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/bulk"
	"github.com/piwi3910/rdmaxfer/internal/capability"
	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/health"
	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/tcpbaseline"
	"github.com/piwi3910/rdmaxfer/internal/telemetry"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Error classes visible to callers. Resource failures are transport
// failures that also match ErrResource.
var (
	ErrUsage     = errors.New("usage error")
	ErrHandshake = errors.New("handshake failed")
	ErrTransport = errors.New("transport failure")
	ErrResource  = errors.New("resource acquisition failed")
)

// Exit codes per error class.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitHandshake = 3
	ExitTransport = 4
)

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrHandshake):
		return ExitHandshake
	case errors.Is(err, ErrTransport):
		return ExitTransport
	default:
		return ExitFailure
	}
}

// Usage wraps err as a usage error.
func Usage(err error) error {
	if err == nil || errors.Is(err, ErrUsage) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrUsage, err)
}

// classify attaches a class to err. Errors that already carry one keep it;
// configuration and resource failures are recognised anywhere, everything
// else takes the class of the phase it happened in.
func classify(phase, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUsage), errors.Is(err, ErrHandshake), errors.Is(err, ErrTransport):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, config.ErrInvalidSize),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, bulk.ErrInvalidConfig),
		errors.Is(err, tcpbaseline.ErrInvalidSize),
		errors.Is(err, rdma.ErrUnsupportedFabric):
		return fmt.Errorf("%w: %w", ErrUsage, err)
	case errors.Is(err, rdma.ErrAllocationFailed), errors.Is(err, rdma.ErrRegistrationFailed):
		return fmt.Errorf("%w: %w: %w", ErrTransport, ErrResource, err)
	case errors.Is(err, rdma.ErrUnexpectedEvent),
		errors.Is(err, capability.ErrShortPayload),
		errors.Is(err, rdma.ErrPrivateDataLimit):
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	default:
		return fmt.Errorf("%w: %w", phase, err)
	}
}

// Session runs transfers with one configuration and provider.
type Session struct {
	ID string

	cfg      *config.Config
	provider rdma.Provider
	logger   zerolog.Logger

	checker   *health.Checker
	store     *history.Store
	sink      telemetry.Sink
	onListen  func(addr string)
	startedAt time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithHealth registers the session's connection with checker.
func WithHealth(checker *health.Checker) Option {
	return func(s *Session) {
		s.checker = checker
	}
}

// WithHistory records the finished session in store.
func WithHistory(store *history.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithSink replaces the telemetry sinks built from the configuration.
func WithSink(sink telemetry.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithLogger sets the base logger. The session id is added to it.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// OnListening is called with the bound address once an acceptor listens.
func OnListening(fn func(addr string)) Option {
	return func(s *Session) {
		s.onListen = fn
	}
}

// New creates a session. The provider may be nil for TCP sessions.
func New(cfg *config.Config, provider rdma.Provider, opts ...Option) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		provider: provider,
		logger:   log.Logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With().Str("session_id", s.ID).Logger()

	return s
}

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger {
	return s.logger
}

func (s *Session) fabric() string {
	if s.provider == nil {
		return "tcp"
	}

	return s.provider.Name()
}

func (s *Session) begin(kind string, role rdma.Role) zerolog.Logger {
	s.startedAt = time.Now()

	logger := s.logger.With().Str("kind", kind).Logger()
	logger.Info().Str("role", role.String()).Str("fabric", s.fabric()).Msg("Session started")

	return logger
}

func (s *Session) newConn(role rdma.Role, logger zerolog.Logger) (*rdma.Conn, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("%w: no fabric provider", ErrUsage)
	}

	conn := rdma.NewConn(s.provider, role, s.cfg.ConnConfig(), logger)

	if s.checker != nil {
		s.checker.Register("connection", health.ConnectionComponent(conn))
		s.checker.SetReady(health.ConnectionReady(conn))
	}

	return conn, nil
}

// listen binds conn to the configured address and announces it.
func (s *Session) listen(conn *rdma.Conn) error {
	if err := conn.Listen(s.cfg.ListenAddr()); err != nil {
		return err
	}

	addr, err := conn.LocalAddr()
	if err != nil {
		addr = s.cfg.ListenAddr()
	}

	s.logger.Info().Str("addr", addr).Msg("Listening for a connect request")

	if s.onListen != nil {
		s.onListen(addr)
	}

	return nil
}

// teardown closes conn exactly once, even when ctx is already cancelled.
func (s *Session) teardown(ctx context.Context, conn *rdma.Conn) error {
	if conn == nil {
		return nil
	}

	if err := conn.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn().Err(err).Msg("Teardown reported errors")
		return err
	}

	return nil
}

// finish classifies err, records metrics and history, and logs the outcome.
func (s *Session) finish(role rdma.Role, rec history.Record, err error) {
	metrics.RecordSession(role.String(), err)

	rec.SessionID = s.ID
	rec.Role = role.String()
	if rec.Fabric == "" {
		rec.Fabric = s.fabric()
	}
	rec.StartedAt = s.startedAt
	if err != nil {
		rec.Error = err.Error()
	}

	if s.store != nil {
		if perr := s.store.Put(rec); perr != nil {
			s.logger.Warn().Err(perr).Msg("Failed to record run history")
		}
	}

	if err != nil {
		s.logger.Error().Err(err).Int("exit_code", ExitCode(err)).Str("kind", rec.Kind).Msg("Session failed")
		return
	}

	s.logger.Info().Str("kind", rec.Kind).Uint64("bytes", rec.Bytes).Msg("Session finished")
}

// telemetrySink builds the configured sinks: console lines, an optional CSV
// file and the Prometheus gauges.
func (s *Session) telemetrySink(logger zerolog.Logger) (telemetry.Sink, error) {
	if s.sink != nil {
		return s.sink, nil
	}

	sinks := telemetry.Multi{telemetry.PrometheusSink{}}

	if s.cfg.Telemetry.Console {
		sinks = append(sinks, telemetry.NewConsoleSink(logger))
	}

	if s.cfg.Telemetry.CSVPath != "" {
		csv, err := telemetry.NewCSVSink(s.cfg.Telemetry.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUsage, err)
		}
		sinks = append(sinks, csv)
	}

	return sinks, nil
}

// pollOne busy-polls conn until one completion arrives or ctx ends.
func pollOne(ctx context.Context, conn *rdma.Conn) (rdma.VerbsWorkCompletion, error) {
	for {
		wcs, err := conn.PollCQ(1)
		if err != nil {
			return rdma.VerbsWorkCompletion{}, fmt.Errorf("%w: %w", bulk.ErrPoll, err)
		}
		if len(wcs) == 1 {
			wc := wcs[0]
			metrics.RecordCompletion(wc.Status.String())
			if wc.Status != rdma.WCSuccess {
				return wc, &bulk.CompletionError{WRID: wc.WRID, Status: wc.Status}
			}

			return wc, nil
		}

		if err := ctx.Err(); err != nil {
			return rdma.VerbsWorkCompletion{}, err
		}

		runtime.Gosched()
	}
}
