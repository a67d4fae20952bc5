// cmd/exit/main.go
// hopveil exit node — server-facing endpoint, system assembler and
// environment bootstrap.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hopveil/hopveil/internal/config"
	"github.com/hopveil/hopveil/internal/logging"
	"github.com/hopveil/hopveil/internal/observer"
	"github.com/hopveil/hopveil/internal/protofam"
	"github.com/hopveil/hopveil/internal/runctx"
	"github.com/hopveil/hopveil/internal/tunnel"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

func main() {
	cfg, configFile := parseFlags()
	printBanner(cfg)

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), "exit")

	rc, err := runctx.New(cfg.OutDir)
	if err != nil {
		fmt.Printf("[ERROR] run context init failed: %v\n", err)
		os.Exit(1)
	}
	if err := rc.WriteMeta(runctx.Meta{RunID: cfg.RunID, Seed: cfg.Seed, AttackerPathID: cfg.AttackerPathID, StartTime: time.Now()}); err != nil {
		logger.Warnf("meta write failed: %v", err)
	}
	if err := rc.WriteConfigDump(cfg); err != nil {
		logger.Warnf("config dump failed: %v", err)
	}
	if configFile != "" {
		logger.Infof("loaded config file: %s", configFile)
	}

	registry := protofam.NewRegistry()
	recorder := observer.NewRecorder(rc)

	exit := tunnel.NewExit(cfg, registry, logger, recorder, rc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsListen != "" {
		promReg := recorder.EnableMetrics()
		srv := observer.NewServer(cfg.MetricsListen, promReg, func() (int, int) {
			return exit.ActiveSessions(), exit.ActivePaths()
		})
		errCh := srv.Start()
		g.Go(func() error {
			select {
			case err := <-errCh:
				return err
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Stop(shutdownCtx)
			}
		})
		logger.Infof("metrics listening on %s", cfg.MetricsListen)
	}

	g.Go(func() error { return exit.ListenAndServe(gctx) })
	g.Go(func() error {
		statsLoop(gctx, exit)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("exit stopped: %v", err)
		os.Exit(1)
	}
	logger.Infof("exit stopped cleanly")
}

func parseFlags() (*config.RuntimeConfig, string) {
	listen := flag.String("listen", "", "middle-facing listen address")
	serverHost := flag.String("server-host", "", "upstream target server host")
	serverPort := flag.Int("server-port", 0, "upstream target server port")
	metricsListen := flag.String("metrics-listen", "", "Prometheus + /healthz listen address (empty disables)")
	pathTransport := flag.String("path-transport", "", "path transport: tcp or ws")
	logLevel := flag.String("log", "", "log level: debug, info, warn, error")
	configFile := flag.String("config", "", "YAML config file path")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hopveil-exit v%s\n", Version)
		fmt.Printf("build: %s\n", BuildTime)
		fmt.Printf("go: %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("[ERROR] config load failed: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Listen = *listen
	}
	if *serverHost != "" {
		cfg.ServerHost = *serverHost
	}
	if *serverPort != 0 {
		cfg.ServerPort = *serverPort
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	if *pathTransport != "" {
		cfg.PathTransport = *pathTransport
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, *configFile
}

func printBanner(cfg *config.RuntimeConfig) {
	fmt.Println()
	fmt.Println("==================================================================")
	fmt.Println(" hopveil exit")
	fmt.Println("==================================================================")
	fmt.Printf(" listen:     %s\n", cfg.Listen)
	fmt.Printf(" upstream:   %s:%d\n", cfg.ServerHost, cfg.ServerPort)
	fmt.Printf(" transport:  %s\n", cfg.PathTransport)
	fmt.Printf(" mode:       %s (obfuscation level %d)\n", cfg.Mode, cfg.ObfuscationLevel)
	fmt.Println("==================================================================")
	fmt.Println()
}

func statsLoop(ctx context.Context, exit *tunnel.Exit) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("[STATS] bound paths: %d\n", exit.ActivePaths())
		}
	}
}
