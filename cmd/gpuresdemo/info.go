package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/device"
)

func newInfoCmd(a *app) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the selected backend, adapter and memory budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if list {
				for _, name := range backend.Available() {
					marker := " "
					if name == backend.DefaultName() {
						marker = "*"
					}
					fmt.Fprintf(out, "%s %s\n", marker, name)
				}
				return nil
			}

			dev, err := a.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()

			info := dev.Info()
			features := device.FeatureNames(info.Features)
			if len(features) == 0 {
				features = []string{"none"}
			}
			fmt.Fprintf(out, "Backend:  %s\n", info.Backend)
			fmt.Fprintf(out, "Adapter:  %s (%s)\n", info.Adapter.Name, info.Adapter.Type)
			fmt.Fprintf(out, "Vendor:   %s\n", info.Vendor)
			fmt.Fprintf(out, "Driver:   %s\n", info.Driver)
			fmt.Fprintf(out, "Queues:   %d\n", len(dev.Queues()))
			fmt.Fprintf(out, "Features: %s\n", strings.Join(features, ", "))
			fmt.Fprintf(out, "Memory:   %s\n", dev.Allocator().Stats())
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list registered backends instead of opening a device")
	return cmd
}
