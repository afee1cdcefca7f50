// Command gpuresdemo exercises the gpures resource layer on a real or
// software device.
//
//	gpuresdemo info --list
//	gpuresdemo soak --frames 500 --backend software
//	gpuresdemo upload --image photo.png --glyphs "Hello"
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/device"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds state shared by all subcommands.
type app struct {
	v        *viper.Viper
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	device.SetDefaults(a.v)

	root := &cobra.Command{
		Use:           "gpuresdemo",
		Short:         "Exercise GPU resource lifetimes and transfers",
		Version:       gpures.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (JSON, YAML or TOML)")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flags.String("backend", "auto", "backend name (auto, vulkan, metal, dx12, gles, software)")
	flags.Int("memory-budget-mb", 256, "device memory budget in MB")
	flags.Bool("serialize-submissions", false, "wait for the device to idle before every submission")

	for key, flag := range map[string]string{
		"backend":               "backend",
		"memory_budget_mb":      "memory-budget-mb",
		"serialize_submissions": "serialize-submissions",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newInfoCmd(a),
		newSoakCmd(a),
		newUploadCmd(a),
		newCompileCmd(a),
	)
	return root
}

// init reads the config file and installs the logger.
func (a *app) init(cmd *cobra.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(a.logLevel))); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", a.logLevel, err)
	}
	gpures.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		gpures.Logger().Info("config loaded", "file", a.v.ConfigFileUsed())
	}
	return nil
}

// openDevice opens a device from the merged flags, file and environment.
func (a *app) openDevice() (*device.Device, error) {
	cfg, err := device.Load(a.v)
	if err != nil {
		return nil, err
	}
	dev, err := device.Open(cfg)
	if err != nil {
		return nil, err
	}
	info := dev.Info()
	gpures.Logger().Info("device opened", "backend", info.Backend, "adapter", info.Adapter.Name)
	return dev, nil
}
