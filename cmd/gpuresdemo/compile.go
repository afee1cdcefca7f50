package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpures/shader"
)

func newCompileCmd(a *app) *cobra.Command {
	var noValidate bool
	cmd := &cobra.Command{
		Use:   "compile FILE.wgsl...",
		Short: "Compile WGSL shaders and create their modules on the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()

			opts := shader.DefaultOptions()
			opts.Validate = !noValidate
			cache := shader.NewCache(dev, opts)
			defer cache.Destroy()

			for _, path := range args {
				src, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				words, err := shader.CompileWithOptions(string(src), opts)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if _, err := cache.Module(path, string(src)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d SPIR-V words\n", path, len(words))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d distinct modules\n", cache.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip IR validation")
	return cmd
}
