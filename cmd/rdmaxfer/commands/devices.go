package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/hardware"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd(g *globalOptions) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and ports found in sysfs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(g.logLevel, g.debug)

			detector := hardware.NewDetector(root)

			devices, err := detector.Devices()
			if err != nil {
				return err
			}

			if g.jsonOutput {
				return g.print(cmd.OutOrStdout(), output{report: devices})
			}

			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found; the quic and sim fabrics still work")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tTYPE\tFIRMWARE\tPORT\tSTATE\tLINK\tRATE")
			for _, d := range devices {
				if len(d.Ports) == 0 {
					fmt.Fprintf(w, "%s\t%s\t%s\t-\t-\t-\t-\n", d.Name, d.NodeType, d.FirmwareVer)
					continue
				}
				for _, p := range d.Ports {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", d.Name, d.NodeType, d.FirmwareVer, p.Number, p.State, p.LinkLayer, p.Rate)
				}
			}

			if err := w.Flush(); err != nil {
				return err
			}

			if best, ok, err := detector.Best(); err == nil && ok {
				fmt.Fprintf(cmd.OutOrStdout(), "\nFastest active device: %s (%d Gb/s)\n", best.Name, best.Speed())
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&root, "sysfs-root", hardware.DefaultSysfsRoot, "Directory holding the RDMA device entries")
	_ = cmd.Flags().MarkHidden("sysfs-root")

	return cmd
}
