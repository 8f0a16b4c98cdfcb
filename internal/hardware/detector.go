// Package hardware lists the RDMA devices the kernel exposes in sysfs so an
// operator can see which adapters and ports a transfer could use.
package hardware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel publishes RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

// PortActive is the state name of a usable port.
const PortActive = "ACTIVE"

// Port describes one physical port of a device.
type Port struct {
	Number    int    `json:"number"`
	State     string `json:"state"`      // ACTIVE, DOWN, INIT
	PhysState string `json:"phys_state"` // LinkUp, Disabled, Polling
	LinkLayer string `json:"link_layer"` // InfiniBand, Ethernet
	Rate      string `json:"rate"`
	Speed     uint64 `json:"speed"` // Gb/s
}

// Device describes one RDMA device.
type Device struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	NodeGUID     string `json:"node_guid"`
	SysImageGUID string `json:"sys_image_guid"`
	BoardID      string `json:"board_id"`
	FirmwareVer  string `json:"firmware_version"`
	NodeType     string `json:"node_type"` // CA, Switch, Router
	Ports        []Port `json:"ports"`
}

// Active reports whether any port is ACTIVE.
func (d Device) Active() bool {
	for _, p := range d.Ports {
		if p.State == PortActive {
			return true
		}
	}

	return false
}

// Speed returns the fastest active port speed in Gb/s.
func (d Device) Speed() uint64 {
	var best uint64
	for _, p := range d.Ports {
		if p.State == PortActive && p.Speed > best {
			best = p.Speed
		}
	}

	return best
}

// Detector reads device attributes below a sysfs root.
type Detector struct {
	root string
}

// NewDetector creates a detector for root; empty means DefaultSysfsRoot.
func NewDetector(root string) *Detector {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &Detector{root: root}
}

// Devices lists every device, sorted by name. A missing root means the host
// has no RDMA stack loaded and yields an empty list.
func (d *Detector) Devices() ([]Device, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", d.root).Msg("No RDMA devices found in sysfs")
			return nil, nil
		}

		return nil, fmt.Errorf("read %s: %w", d.root, err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		devices = append(devices, d.device(entry.Name()))
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return devices, nil
}

// Best returns the active device with the fastest port.
func (d *Detector) Best() (Device, bool, error) {
	devices, err := d.Devices()
	if err != nil {
		return Device{}, false, err
	}

	var (
		best  Device
		found bool
	)
	for _, dev := range devices {
		if !dev.Active() {
			continue
		}
		if !found || dev.Speed() > best.Speed() {
			best, found = dev, true
		}
	}

	return best, found, nil
}

func (d *Detector) device(name string) Device {
	path := filepath.Join(d.root, name)
	dev := Device{
		Name:         name,
		Path:         path,
		NodeGUID:     readSysfsFile(filepath.Join(path, "node_guid")),
		SysImageGUID: readSysfsFile(filepath.Join(path, "sys_image_guid")),
		BoardID:      readSysfsFile(filepath.Join(path, "board_id")),
		FirmwareVer:  readSysfsFile(filepath.Join(path, "fw_ver")),
		NodeType:     parseNodeType(readSysfsFile(filepath.Join(path, "node_type"))),
	}

	portsPath := filepath.Join(path, "ports")
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return dev
	}

	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(portsPath, entry.Name())
		rate := readSysfsFile(filepath.Join(portPath, "rate"))
		dev.Ports = append(dev.Ports, Port{
			Number:    num,
			State:     parseState(readSysfsFile(filepath.Join(portPath, "state"))),
			PhysState: parseState(readSysfsFile(filepath.Join(portPath, "phys_state"))),
			LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
			Rate:      rate,
			Speed:     parseSpeed(rate),
		})
	}

	sort.Slice(dev.Ports, func(i, j int) bool { return dev.Ports[i].Number < dev.Ports[j].Number })

	return dev
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts "1: CA" style node types to their name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix of "4: ACTIVE" style states.
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return state
}

// parseSpeed parses speed string to Gb/s.
func parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}

	return 0
}
