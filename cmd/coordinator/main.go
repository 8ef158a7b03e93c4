package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coordinator/pkg/config"
	"coordinator/pkg/coordinator"
	"coordinator/pkg/executor"
	"coordinator/pkg/metrics"
	"coordinator/pkg/version"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		listenAddr  = flag.String("listen", "", "HTTP listen address (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("coordinator %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(*configFile, *listenAddr))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(configFile, listenAddr string) int {
	// An empty path installs the built-in defaults.
	if err := config.LoadConfig(configFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	// The core never runs inference itself; standalone mode wires a no-op
	// executor so an external worker can be attached over the API later.
	coord, err := coordinator.New(cfg, coordinator.Options{
		Executor: executor.Func(func(ctx context.Context, _ *executor.Request) (*executor.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Recorder: metrics.NewPrometheusRecorder(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build coordinator: %v\n", err)
		return 1
	}
	defer coord.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start coordinator: %v\n", err)
		return 1
	}

	fmt.Printf("Coordinator listening on %s\n", cfg.ListenAddr)
	<-ctx.Done()
	fmt.Println("Shutting down...")
	return 0
}
