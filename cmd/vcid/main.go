package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opendiag/vcibridge/internal/bridgeclient"
	"github.com/opendiag/vcibridge/internal/broker"
	"github.com/opendiag/vcibridge/internal/config"
	"github.com/opendiag/vcibridge/internal/eventbus"
	"github.com/opendiag/vcibridge/internal/procutil"
	"github.com/opendiag/vcibridge/internal/version"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "vcid",
		Short:         "VCI access broker daemon - serializes diagnostic hardware access",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: instance directory)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if configPath == "" {
		configPath = paths.Config
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := setupLogging(paths, cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if isRunning(paths, cfg) {
		return fmt.Errorf("broker is already running on %s", cfg.ListenAddr())
	}

	if err := procutil.WritePIDFile(paths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer procutil.RemovePIDFile(paths.Lock)

	bus := eventbus.New()
	adapter := bridgeclient.New(bridgeclient.Options{
		Bridge: cfg.Bridge,
		Bus:    bus,
	})
	b := broker.New(cfg, adapter, bus)
	if err := b.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- b.Serve(ctx)
	}()

	log.Printf("[Daemon] broker started (PID %d) on %s", os.Getpid(), cfg.ListenAddr())
	if addr := cfg.MonitorAddr(); addr != "" {
		log.Printf("[Daemon] monitor stream on ws://%s/monitor", addr)
	}

	select {
	case sig := <-sigChan:
		log.Printf("[Daemon] received signal %s, shutting down", sig)
		b.Shutdown()
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Printf("[Daemon] broker error: %v", err)
			stopAdapter(adapter)
			return err
		}
	}

	stopAdapter(adapter)
	log.Println("[Daemon] stopped")
	return nil
}

func stopAdapter(adapter *bridgeclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adapter.Stop(ctx)
}

// isRunning reports whether another broker instance already owns this
// instance directory. A live pid plus an answering TCP port means yes; a
// stale lock from a crashed daemon is cleaned up.
func isRunning(paths config.InstancePaths, cfg config.Config) bool {
	pid, err := procutil.ReadPIDFile(paths.Lock)
	if err != nil {
		return false
	}
	if !procutil.IsProcessAlive(pid) {
		log.Printf("[Daemon] removing stale lock (pid %d)", pid)
		procutil.RemovePIDFile(paths.Lock)
		return false
	}
	conn, err := net.DialTimeout("tcp", cfg.ListenAddr(), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func setupLogging(paths config.InstancePaths, cfg config.LoggingConfig) error {
	name := cfg.File
	if name == "" {
		name = "vcid.log"
	}
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(paths.Logs, name),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rotating))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	log.Printf("=== VCI Broker Starting (PID %d, version %s) ===", os.Getpid(), version.String())
	return nil
}
