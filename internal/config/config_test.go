package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rdmaxfer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func intPtr(v int) *int { return &v }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, rdma.FabricQUIC, cfg.Fabric)
	assert.Equal(t, 7471, cfg.Port)
	assert.Equal(t, uint64(1<<30), cfg.TotalBytes)
	assert.Equal(t, uint64(4<<20), cfg.ChunkBytes)
	assert.Equal(t, uint64(1<<30), cfg.ExposeBytes)
	assert.Equal(t, 64, cfg.MaxInFlight)
	assert.Equal(t, 16, cfg.SignalEvery)
	assert.Equal(t, 256, cfg.CQDepth)
	assert.Equal(t, 128, cfg.MaxSendWR)
	assert.Equal(t, 0, cfg.InitiatorDepth)
	assert.Equal(t, 0, cfg.ResponderResources)
	assert.Equal(t, 2*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 0x5a, cfg.FillPattern)
	assert.Equal(t, time.Second, cfg.Telemetry.Interval)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.StallThreshold)
	assert.True(t, cfg.Telemetry.Console)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.Empty(t, cfg.History.Dir)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileAndOptions(t *testing.T) {
	path := writeConfig(t, `
fabric: sim
peer: 10.0.0.2
port: 9000
chunk_size: 1m
initiator_depth: 4
telemetry:
  interval: 250ms
  csv_path: /tmp/bulk.csv
`)

	cfg, err := Load(path, Options{
		Port:               9100,
		TotalSize:          "64M",
		ResponderResources: intPtr(8),
		InitiatorDepth:     intPtr(0),
	})
	require.NoError(t, err)

	assert.Equal(t, rdma.FabricSim, cfg.Fabric)
	assert.Equal(t, "10.0.0.2", cfg.Peer)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, uint64(1<<20), cfg.ChunkBytes)
	assert.Equal(t, uint64(64<<20), cfg.TotalBytes)
	assert.Equal(t, 0, cfg.InitiatorDepth, "explicit zero option overrides the file")
	assert.Equal(t, 8, cfg.ResponderResources)
	assert.Equal(t, 250*time.Millisecond, cfg.Telemetry.Interval)
	assert.Equal(t, "/tmp/bulk.csv", cfg.Telemetry.CSVPath)
	assert.Equal(t, "10.0.0.2:9100", cfg.PeerAddr())
	assert.Equal(t, ":9100", cfg.ListenAddr())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("RDMAXFER_MAX_IN_FLIGHT", "32")
	t.Setenv("RDMAXFER_TELEMETRY_CONSOLE", "false")
	t.Setenv("RDMA_SRC_IP", "192.168.1.5")
	t.Setenv("RDMA_INITIATOR_DEPTH", "16")
	t.Setenv("RDMA_RESPONDER_RESOURCES", "16")

	cfg, err := Load(writeConfig(t, "{}\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.MaxInFlight)
	assert.False(t, cfg.Telemetry.Console)
	assert.Equal(t, "192.168.1.5", cfg.SourceAddr)
	assert.Equal(t, 16, cfg.InitiatorDepth)
	assert.Equal(t, 16, cfg.ResponderResources)
}

func TestLoadPrefixedEnvironmentWins(t *testing.T) {
	t.Setenv("RDMA_INITIATOR_DEPTH", "16")
	t.Setenv("RDMAXFER_INITIATOR_DEPTH", "2")

	cfg, err := Load(writeConfig(t, "{}\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.InitiatorDepth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		opts    Options
		wantErr error
		errMsg  string
	}{
		{name: "unknown fabric", opts: Options{Fabric: "infiniband"}, wantErr: ErrInvalidConfig, errMsg: "fabric"},
		{name: "port out of range", body: "port: 70000\n", wantErr: ErrInvalidConfig, errMsg: "port"},
		{name: "zero total", opts: Options{TotalSize: "0"}, wantErr: ErrInvalidSize, errMsg: "total_size"},
		{name: "bad suffix", opts: Options{ChunkSize: "4T"}, wantErr: ErrInvalidSize, errMsg: "chunk_size"},
		{name: "chunk above message limit", opts: Options{ChunkSize: "512M"}, wantErr: ErrInvalidConfig, errMsg: "exceeds"},
		{name: "zero window", body: "max_in_flight: 0\n", wantErr: ErrInvalidConfig, errMsg: "max_in_flight"},
		{name: "zero signal interval", body: "signal_every: 0\n", wantErr: ErrInvalidConfig, errMsg: "signal_every"},
		{name: "send queue below window", body: "max_send_wr: 32\n", wantErr: ErrInvalidConfig, errMsg: "max_send_wr"},
		{name: "completion queue below signaled window", body: "cq_depth: 1\nsignal_every: 1\n", wantErr: ErrInvalidConfig, errMsg: "cq_depth"},
		{name: "completion queue below default window", body: "cq_depth: 3\n", wantErr: ErrInvalidConfig, errMsg: "cq_depth"},
		{name: "credits above a byte", opts: Options{InitiatorDepth: intPtr(256)}, wantErr: ErrInvalidConfig, errMsg: "initiator_depth"},
		{name: "negative credits", opts: Options{ResponderResources: intPtr(-1)}, wantErr: ErrInvalidConfig, errMsg: "responder_resources"},
		{name: "fill pattern not a byte", body: "fill_pattern: 300\n", wantErr: ErrInvalidConfig, errMsg: "fill_pattern"},
		{name: "negative iterations", opts: Options{Iterations: intPtr(-1)}, wantErr: ErrInvalidConfig, errMsg: "iterations"},
		{name: "source address not an IP", opts: Options{SourceAddr: "eth0"}, wantErr: ErrInvalidConfig, errMsg: "source_addr"},
		{name: "zero resolve timeout", body: "resolve_timeout: 0s\n", wantErr: ErrInvalidConfig, errMsg: "resolve_timeout"},
		{name: "unknown log level", opts: Options{LogLevel: "chatty"}, wantErr: ErrInvalidConfig, errMsg: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == "" {
				body = "{}\n"
			}

			_, err := Load(writeConfig(t, body), tt.opts)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSignaledPerWindow(t *testing.T) {
	tests := []struct {
		window, signalEvery, want int
	}{
		{window: 64, signalEvery: 1, want: 64},
		{window: 64, signalEvery: 16, want: 4},
		{window: 64, signalEvery: 15, want: 5},
		{window: 8, signalEvery: 32, want: 1},
		{window: 1, signalEvery: 1, want: 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, signaledPerWindow(tt.window, tt.signalEvery), "window=%d signal_every=%d", tt.window, tt.signalEvery)
	}
}

func TestValidateSmallCompletionQueue(t *testing.T) {
	// A queue exactly as deep as the signaled completions of one window.
	cfg, err := Load(writeConfig(t, "cq_depth: 4\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.CQDepth)

	cfg, err = Load(writeConfig(t, "cq_depth: 1\nmax_in_flight: 8\nsignal_every: 8\nmax_send_wr: 8\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.CQDepth)
}

func TestConnConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cq_depth: 512\nlock_memory: true\nsource_addr: 10.1.1.1\n"), Options{
		InitiatorDepth:     intPtr(1),
		ResponderResources: intPtr(2),
	})
	require.NoError(t, err)

	cc := cfg.ConnConfig()
	assert.Equal(t, 512, cc.CQDepth)
	assert.Equal(t, 128, cc.MaxSendWR)
	assert.Equal(t, uint8(1), cc.InitiatorDepth)
	assert.Equal(t, uint8(2), cc.ResponderResources)
	assert.Equal(t, "10.1.1.1", cc.SourceAddr)
	assert.Equal(t, rdma.PageAllocator{Lock: true}, cc.Allocator)
}

func TestYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), Options{Peer: "peer.example"})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "peer.example", back["peer"])
	assert.Equal(t, "4M", back["chunk_size"])
	assert.Equal(t, "2s", back["resolve_timeout"])
	assert.NotContains(t, string(out), "totalbytes")
	assert.True(t, strings.HasPrefix(string(out), "fabric: quic"))
}
