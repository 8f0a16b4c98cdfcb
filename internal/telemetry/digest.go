package telemetry

import (
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// LatencyDigest accumulates completion latencies and answers quantile
// queries without keeping every observation.
type LatencyDigest struct {
	td    *tdigest.TDigest
	count uint64
	max   time.Duration
}

// Quantiles is a summary of a LatencyDigest.
type Quantiles struct {
	Count uint64        `json:"count"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
	Max   time.Duration `json:"max"`
}

// NewLatencyDigest creates an empty digest.
func NewLatencyDigest() (*LatencyDigest, error) {
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		return nil, err
	}

	return &LatencyDigest{td: td}, nil
}

// Add records one latency.
func (d *LatencyDigest) Add(latency time.Duration) error {
	if err := d.td.Add(float64(latency.Nanoseconds())); err != nil {
		return err
	}

	d.count++
	if latency > d.max {
		d.max = latency
	}

	return nil
}

// Summary returns the recorded quantiles; all zero when empty.
func (d *LatencyDigest) Summary() Quantiles {
	if d.count == 0 {
		return Quantiles{}
	}

	return Quantiles{
		Count: d.count,
		P50:   time.Duration(d.td.Quantile(0.50)),
		P99:   time.Duration(d.td.Quantile(0.99)),
		P999:  time.Duration(d.td.Quantile(0.999)),
		Max:   d.max,
	}
}
