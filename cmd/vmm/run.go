package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/hv/factory"
	"github.com/tinyrange/vmm/internal/image"
	"github.com/tinyrange/vmm/internal/metrics"
	vmterm "github.com/tinyrange/vmm/internal/term"
	"github.com/tinyrange/vmm/internal/vcpu"
	"github.com/tinyrange/vmm/internal/vmm"
)

var runFlags struct {
	config      string
	kernel      string
	initrd      string
	cmdline     string
	cpus        int
	memory      uint64
	disks       []string
	readOnly    bool
	noConsole   bool
	cacheDir    string
	metricsAddr string
	screenDump  string
	transcript  string
	workers     int
}

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Boot a VM",
	Long: `Boot a Linux kernel with the given disks and console attached.

Settings come from --config and are overridden by flags. Disks may be local
files, http(s) URLs or a distribution name (see "vmm fetch").

Exit codes: 0 clean shutdown, 2 no hypervisor, 3 bad boot image,
4 guest or hypervisor fault, 5 invalid configuration, 6 image staging failed.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.config, "config", "c", "", "VM config file (YAML)")
	f.StringVarP(&runFlags.kernel, "kernel", "k", "", "Kernel image (bzImage, ELF or arm64 Image)")
	f.StringVar(&runFlags.initrd, "initrd", "", "Initial ramdisk")
	f.StringVar(&runFlags.cmdline, "cmdline", "", "Kernel command line (default depends on architecture)")
	f.IntVar(&runFlags.cpus, "cpus", config.DefaultCPUs, "Number of vCPUs")
	f.Uint64VarP(&runFlags.memory, "memory", "m", config.DefaultMemoryMiB, "Guest memory in MiB")
	f.StringArrayVarP(&runFlags.disks, "disk", "d", nil, "Disk image, URL or distribution (repeatable)")
	f.BoolVar(&runFlags.readOnly, "read-only", false, "Attach --disk images read-only")
	f.BoolVar(&runFlags.noConsole, "no-console", false, "Do not attach a virtio console")
	f.StringVar(&runFlags.cacheDir, "cache-dir", "", "Image cache directory")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&runFlags.screenDump, "screen-dump", "", "Write the final console screen to this file")
	f.StringVar(&runFlags.transcript, "transcript", "", "Write console output without escape sequences to this file")
	f.IntVar(&runFlags.workers, "io-workers", 0, "Concurrent requests per block device (0 = default)")
}

// loadConfig reads --config and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.VMConfig, error) {
	var cfg config.VMConfig
	if runFlags.config != "" {
		loaded, err := config.Load(runFlags.config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("kernel") || cfg.Kernel == "" {
		cfg.Kernel = runFlags.kernel
	}
	if f.Changed("initrd") {
		cfg.Initrd = runFlags.initrd
	}
	if f.Changed("cmdline") {
		cfg.Cmdline = runFlags.cmdline
	}
	if f.Changed("cpus") || cfg.CPUs == 0 {
		cfg.CPUs = runFlags.cpus
	}
	if f.Changed("memory") || cfg.MemoryMiB == 0 {
		cfg.MemoryMiB = runFlags.memory
	}
	for _, d := range runFlags.disks {
		cfg.Disks = append(cfg.Disks, config.DiskConfig{Path: d, ReadOnly: runFlags.readOnly})
	}
	if runFlags.noConsole {
		cfg.Console.Disabled = true
	}
	return cfg, nil
}

func exitWith(err error, reason vcpu.StopReason) error {
	code := vmm.ExitCode(err, reason)
	if code == vmm.ExitOK {
		return nil
	}
	return &exitError{code: code, err: err}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitWith(err, vcpu.StopNone)
	}

	hyp, err := factory.Open()
	if err != nil {
		return exitWith(err, vcpu.StopNone)
	}
	defer hyp.Close()

	if len(cfg.Disks) > 0 {
		stager, err := image.NewStager(runFlags.cacheDir,
			image.WithArchitecture(hyp.Architecture()),
			image.WithProgress(true))
		if err != nil {
			return exitWith(fmt.Errorf("%w: %w", image.ErrFetch, err), vcpu.StopNone)
		}
		for i := range cfg.Disks {
			path, err := stager.Stage(ctx, cfg.Disks[i].Path)
			if err != nil {
				return exitWith(err, vcpu.StopNone)
			}
			cfg.Disks[i].Path = path
		}
	}

	if runFlags.metricsAddr != "" {
		shutdown, err := serveMetrics(runFlags.metricsAddr)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	var (
		sinks  = []io.Writer{os.Stdout}
		screen *vmterm.Screen
		trans  *vmterm.Transcript
	)
	cfg.Normalize()
	if runFlags.screenDump != "" {
		screen = vmterm.NewScreen(int(cfg.Console.Cols), int(cfg.Console.Rows))
		defer screen.Close()
		sinks = append(sinks, screen)
	}
	if runFlags.transcript != "" {
		f, err := os.Create(runFlags.transcript)
		if err != nil {
			return fmt.Errorf("create transcript: %w", err)
		}
		defer f.Close()
		trans = vmterm.NewTranscript(f)
		sinks = append(sinks, trans)
	}

	var in io.Reader
	restore := func() {}
	stdin := int(os.Stdin.Fd())
	if !cfg.Console.Disabled && term.IsTerminal(stdin) {
		restore, err = rawMode(stdin)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer restore()
		// The console reads stdin but never closes it.
		in = os.Stdin
	}

	opts := []vmm.Option{
		vmm.WithLogger(slog.Default()),
		vmm.WithConsole(io.MultiWriter(sinks...), in),
	}
	if runFlags.workers > 0 {
		opts = append(opts, vmm.WithBlockWorkers(runFlags.workers))
	}

	vm, err := vmm.Start(ctx, hyp, cfg, opts...)
	if err != nil {
		return exitWith(err, vcpu.StopNone)
	}
	slog.Debug("VM started", "id", vm.ID(), "arch", vm.Architecture())

	status := vm.Wait()
	restore()
	slog.Info("VM stopped", "id", vm.ID(), "status", status.String())

	if trans != nil {
		if err := trans.Flush(); err != nil {
			slog.Error("flush transcript", "err", err)
		}
	}
	if screen != nil {
		if err := os.WriteFile(runFlags.screenDump, []byte(screen.Snapshot()), 0o644); err != nil {
			slog.Error("write screen dump", "err", err)
		}
	}

	return exitWith(status.Err, status.Reason)
}

var (
	makeRaw     = term.MakeRaw
	restoreTerm = term.Restore
)

// rawMode switches fd to raw mode and returns a restore func that is safe
// to call more than once.
func rawMode(fd int) (func(), error) {
	old, err := makeRaw(fd)
	if err != nil {
		return nil, err
	}
	return sync.OnceFunc(func() {
		if err := restoreTerm(fd, old); err != nil {
			slog.Warn("restore terminal", "err", err)
		}
	}), nil
}

func serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics address: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
