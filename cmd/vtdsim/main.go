// Command vtdsim runs a DMA scenario against an emulated remapping unit.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vtd/internal/devices/vtd"
	"github.com/tinyrange/vtd/internal/dmapool"
	"github.com/tinyrange/vtd/internal/guestmem"
	"github.com/tinyrange/vtd/internal/hv"
	"github.com/tinyrange/vtd/internal/scenario"
	"github.com/tinyrange/vtd/internal/trace"
)

type machine struct {
	*guestmem.RAM
}

func (machine) Interrupts() hv.InterruptSink {
	return hv.InterruptSinkFunc(func(addr uint64, data uint32) error {
		slog.Info("vtdsim: interrupt", "addr", fmt.Sprintf("0x%x", addr), "data", fmt.Sprintf("0x%x", data))
		return nil
	})
}

func run() error {
	configPath := flag.String("config", "", "remapping unit config (YAML), overrides the scenario's config")
	workers := flag.Int("workers", 4, "number of concurrent DMA workers")
	stress := flag.Int("stress", 0, "repeat the requests this many times, flushing caches between rounds")
	tracePath := flag.String("trace", "", "write a binary event trace to file")
	snapshotPath := flag.String("snapshot", "", "write a snapshot of the unit to file when done")
	dbg := flag.Bool("debug", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <scenario.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Lay out the page tables of a scenario in guest memory, program the\n")
		fmt.Fprintf(os.Stderr, "remapping unit through its registers and issue the scenario's DMA.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected one scenario file")
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	sc, err := scenario.Load(flag.Arg(0))
	if err != nil {
		return err
	}
	if *configPath != "" {
		cfg, err := vtd.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		sc.Config = cfg
		if err := sc.Validate(); err != nil {
			return err
		}
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		cu.Add(func() { f.Close() })
		w, err := trace.Open(f)
		if err != nil {
			return err
		}
		// Closed before the file: cleanups run in reverse.
		cu.Add(func() {
			if err := w.Close(); err != nil {
				slog.Error("vtdsim: close trace", "error", err)
			}
		})
	}

	ram, err := guestmem.New(0, sc.MemorySize)
	if err != nil {
		return err
	}
	cu.Add(func() { ram.Close() })

	dev, err := vtd.New(sc.Config)
	if err != nil {
		return err
	}
	if err := dev.Init(machine{ram}); err != nil {
		return fmt.Errorf("init remapping unit: %w", err)
	}
	bus := hv.NewAddressSpace(ram.MemoryBase(), ram.MemorySize())
	if err := bus.Map("vtd", dev); err != nil {
		return err
	}

	layout, err := scenario.Build(ram, sc)
	if err != nil {
		return err
	}
	slog.Debug("vtdsim: tables built", "pages", layout.Pages, "requests", len(layout.Requests))

	if err := scenario.InstallFirmware(ram, sc.Config); err != nil {
		return err
	}
	base, err := scenario.Discover(ram, scenario.FirmwareRSDP)
	if err != nil {
		return err
	}
	slog.Debug("vtdsim: remapping unit found", "base", fmt.Sprintf("0x%x", base))

	drv := scenario.NewDriver(bus, base, ram)
	if err := drv.Enable(layout); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pool := dmapool.New(dev, ram, *workers)
	results, err := pool.Run(ctx, layout.Requests)
	if err != nil {
		return err
	}
	printResults(os.Stdout, layout.Requests, results)

	if *stress > 0 {
		if err := runStress(ctx, pool, drv, layout, *stress); err != nil {
			return err
		}
	}

	if *snapshotPath != "" {
		if err := writeSnapshot(dev, *snapshotPath); err != nil {
			return err
		}
	}

	ds, ps := dev.Stats(), pool.Stats()
	slog.Info("vtdsim: done",
		"transfers", ps.Transfers,
		"bytes", ps.Bytes,
		"faults", ps.Faults,
		"translations", ds.Translations,
		"iotlb_hits", ds.IOTLBHits,
		"walks", ds.Walks,
	)
	return nil
}

func writeSnapshot(dev *vtd.Device, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if err := dev.CaptureSnapshot(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	return nil
}

func runStress(ctx context.Context, pool *dmapool.Pool, drv *scenario.Driver, layout *scenario.Layout, rounds int) error {
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(rounds), "stress")
		defer bar.Close()
	}

	for i := 0; i < rounds; i++ {
		if _, err := pool.Run(ctx, layout.Requests); err != nil {
			return err
		}
		if err := drv.InvalidateAll(layout); err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	return nil
}

func printResults(w io.Writer, reqs []dmapool.Request, results []dmapool.Result) {
	for i, res := range results {
		req := reqs[i]
		dir := "read"
		if req.Write {
			dir = "write"
		}
		pasid := "-"
		if req.PASID != vtd.NoPASID {
			pasid = fmt.Sprintf("%d", req.PASID)
		}
		line := fmt.Sprintf("%04x %-3s %-5s 0x%012x", req.SID, pasid, dir, req.IOVA)
		if res.Err != nil {
			fmt.Fprintf(w, "%s  fault: %v\n", line, res.Err)
			continue
		}
		fmt.Fprintf(w, "%s -> 0x%012x", line, res.Addr)
		if !req.Write && len(res.Data) > 0 {
			n := min(len(res.Data), 16)
			fmt.Fprintf(w, "  %s", strings.TrimSpace(fmt.Sprintf("% x", res.Data[:n])))
		}
		fmt.Fprintln(w)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vtdsim: %v\n", err)
		os.Exit(1)
	}
}
