// Command sst1 attaches an emulated 3dfx SST-1 to a software PCI machine,
// replays a script of guest config and MMIO accesses against it, and prints
// the resulting device state.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/sst1/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sst1: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML board configuration (default: built-in)")
	scriptPath := flag.String("script", "", "YAML list of guest accesses to replay")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Attach an emulated SST-1 to a PCI host bridge and report its state.\n\n")
		fmt.Fprintf(os.Stderr, "Script steps:\n")
		fmt.Fprintf(os.Stderr, "  - {op: cfg-write, offset: 0x40, size: 4, value: 0x5}\n")
		fmt.Fprintf(os.Stderr, "  - {op: mmio-read, offset: 0x210, expect: 0}\n")
		fmt.Fprintf(os.Stderr, "  - {op: reset}\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		return fmt.Errorf("unexpected arguments %q", flag.Args())
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dumpConfig {
		return config.Write(os.Stdout, cfg)
	}

	var steps []step
	if *scriptPath != "" {
		var err error
		if steps, err = loadScript(*scriptPath); err != nil {
			return err
		}
	}

	b, err := newBoard(cfg)
	if err != nil {
		return err
	}
	slog.Debug("board assembled", "variant", cfg.Device.Variant, "slot", cfg.Device.Slot, "policy", cfg.Device.InitEnablePolicy)

	results, err := replay(b, steps)
	if err != nil {
		return errors.Join(err, b.close())
	}

	color := term.IsTerminal(int(os.Stdout.Fd()))
	if err := writeReport(os.Stdout, color, b, results); err != nil {
		return errors.Join(err, b.close())
	}
	return b.close()
}
