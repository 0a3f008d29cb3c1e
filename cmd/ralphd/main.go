// Command ralphd is the Ralph daemon: it sweeps the run registry and
// drives each running row to completion through a Worker-bounded pool of
// Engines.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ralphcore/ralph/internal/config"
	"github.com/ralphcore/ralph/internal/notify"
	"github.com/ralphcore/ralph/internal/registry"
	"github.com/ralphcore/ralph/internal/rlog"
	"github.com/ralphcore/ralph/internal/worker"
)

// drainTimeout bounds how long ralphd waits for in-flight Engines to
// finish their current iteration after a shutdown signal.
const drainTimeout = 5 * time.Minute

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("ralphd starting")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateForDaemon(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	reg, err := registry.Open(cfg.Registry.DSN)
	if err != nil {
		log.Fatalf("failed to open run registry %s: %v", cfg.Registry.DSN, err)
	}
	defer reg.Close()

	logger := rlog.NewLogger(context.Background(), "ralphd", cfg.Logging.GCPProjectID)
	logger.Info("ralphd ready, sweeping registry " + cfg.Registry.DSN)

	sink := notify.New()
	defer sink.Close()

	w := worker.New(reg, sink)
	w.Concurrency = cfg.Worker.Concurrency
	w.PlanProviderBinary = cfg.PlanProvider.Binary
	w.AgentBinary = cfg.Agent.Binary
	w.ValidatorBinary = cfg.Agent.ValidatorBinary

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal: %v", sig)
		cancel()
	}()

	if err := w.Start(ctx); err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}

	<-ctx.Done()
	log.Println("shutting down, draining in-flight runs")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := w.Stop(drainCtx); err != nil {
		log.Printf("worker drain did not complete cleanly: %v", err)
		os.Exit(1)
	}

	log.Println("ralphd stopped")
}
