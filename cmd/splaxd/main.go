// Command splaxd boots the kernel core with a boot descriptor read from disk
// and runs it until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/splax-s/splax"
	"github.com/splax-s/splax/internal/bootcfg"
	"github.com/splax-s/splax/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a TOML boot descriptor (default: built-in memory map)")
		lockPath   = flag.String("lock", "/run/splaxd.lock", "Path to the boot lock file guarding against a double boot")
		noLock     = flag.Bool("no-lock", false, "Disable the boot lock (useful under a supervisor that guarantees single-instance)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := bootcfg.Default()
	if *configPath != "" {
		loaded, err := bootcfg.Load(*configPath)
		if err != nil {
			logger.Error("failed to load boot descriptor", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	params := splax.BootParams{Config: cfg}
	if !*noLock {
		params.LockPath = *lockPath
	}

	logger.Info("booting kernel", "cpus", cfg.Tunables.NumCPUs, "usable_bytes", cfg.UsableBytes())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := splax.Boot(ctx, params, &splax.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to boot kernel", "error", err)
		os.Exit(1)
	}

	fmt.Printf("splaxd booted: %d CPUs, %d usable bytes\n", cfg.Tunables.NumCPUs, cfg.UsableBytes())
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END ===\n\n", buf[:n])

			filename := fmt.Sprintf("splaxd-stacks-%d.txt", os.Getpid())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "splaxd goroutine dump, pid %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := splax.Shutdown(shutdownCtx, k); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("kernel shutdown complete")
}
