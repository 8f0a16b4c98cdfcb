package rdma

import (
	"errors"
	"fmt"
	"sync"
)

// Fabric names accepted by NewProvider.
const (
	FabricSim  = "sim"
	FabricQUIC = "quic"
)

// ErrUnsupportedFabric is returned for an unknown fabric name.
var ErrUnsupportedFabric = errors.New("unsupported fabric")

var (
	defaultSimOnce sync.Once
	defaultSim     *SimFabric
)

// DefaultSimFabric returns the process-wide in-process fabric.
func DefaultSimFabric() *SimFabric {
	defaultSimOnce.Do(func() {
		defaultSim = NewSimFabric()
	})

	return defaultSim
}

// NewProvider creates a provider for the named fabric. sim may be nil, in
// which case the process-wide fabric is used.
func NewProvider(name string, sim *SimFabric) (Provider, error) {
	switch name {
	case FabricSim:
		if sim == nil {
			sim = DefaultSimFabric()
		}

		return sim.NewProvider(), nil
	case FabricQUIC, "":
		return NewQUICProvider(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFabric, name)
	}
}

// Fabrics lists the supported fabric names.
func Fabrics() []string {
	return []string{FabricQUIC, FabricSim}
}
