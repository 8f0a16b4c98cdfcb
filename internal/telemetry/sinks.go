package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

const mib = 1024 * 1024

// ConsoleSink writes one log line per sample.
type ConsoleSink struct {
	logger zerolog.Logger
}

// NewConsoleSink creates a sink logging through logger.
func NewConsoleSink(logger zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger}
}

// Record logs s at info level, or warn level when stalled.
func (c *ConsoleSink) Record(s Sample) {
	ev := c.logger.Info()
	if s.Stalled {
		ev = c.logger.Warn().Bool("stalled", true)
	}

	ev.Float64("time_s", s.Elapsed.Seconds()).
		Float64("sent_mib", float64(s.BytesSent)/mib).
		Int("inflight", s.InFlight).
		Uint64("completed", s.Completed).
		Float64("cqe_gap_s", s.Gap.Seconds()).
		Msg("Transfer progress")
}

// Close is a no-op.
func (c *ConsoleSink) Close() error {
	return nil
}

// CSVHeader is the column layout written by CSVSink.
var CSVHeader = []string{"time_s", "sent_mib", "inflight", "completed", "cqe_gap_s", "stalled"}

// CSVSink writes samples as CSV rows, flushing after every row so a plot
// can follow the file while the transfer runs.
type CSVSink struct {
	f   *os.File
	w   *csv.Writer
	err error
}

// NewCSVSink creates path and writes the header row.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create telemetry csv: %w", err)
	}

	s := &CSVSink{f: f, w: csv.NewWriter(f)}
	if err := s.write(CSVHeader); err != nil {
		_ = f.Close()
		return nil, err
	}

	return s, nil
}

func (c *CSVSink) write(row []string) error {
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write telemetry csv: %w", err)
	}
	c.w.Flush()

	return c.w.Error()
}

// Record appends one row. The first write error is kept and returned by
// Close; later samples are dropped.
func (c *CSVSink) Record(s Sample) {
	if c.err != nil {
		return
	}

	stalled := "0"
	if s.Stalled {
		stalled = "1"
	}

	c.err = c.write([]string{
		strconv.FormatFloat(s.Elapsed.Seconds(), 'f', 3, 64),
		strconv.FormatFloat(float64(s.BytesSent)/mib, 'f', 3, 64),
		strconv.Itoa(s.InFlight),
		strconv.FormatUint(s.Completed, 10),
		strconv.FormatFloat(s.Gap.Seconds(), 'f', 3, 64),
		stalled,
	})
	if c.err != nil {
		log.Error().Err(c.err).Str("path", c.f.Name()).Msg("Telemetry CSV disabled after write error")
	}
}

// Close flushes and closes the file.
func (c *CSVSink) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil && c.err == nil {
		c.err = err
	}

	if err := c.f.Close(); err != nil && c.err == nil {
		c.err = err
	}

	return c.err
}

// PrometheusSink exports samples through the metrics package.
type PrometheusSink struct{}

// Record updates the in-flight gauge, the completion gap and the stall counter.
func (PrometheusSink) Record(s Sample) {
	metrics.SetInflight(s.InFlight)
	metrics.RecordSample(s.Gap, s.Stalled)
}

// Close is a no-op.
func (PrometheusSink) Close() error {
	return nil
}
