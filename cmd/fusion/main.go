package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/fusion"
	"github.com/amoskys/amoskys/internal/ingest"
	"github.com/amoskys/amoskys/internal/ops"
)

// sourcesFromPaths names each configured store after its file and uses that
// name as the fallback device for standalone envelopes.
func sourcesFromPaths(paths []string) []ingest.Source {
	out := make([]ingest.Source, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		out = append(out, ingest.Source{Name: name, Path: p, DefaultDevice: name})
	}
	return out
}

func main() {
	configPath := flag.String("config", "amoskys.yaml", "configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if len(cfg.Fusion.Sources) == 0 {
		log.Fatalf("No fusion sources configured")
	}

	store, err := fusion.OpenStore(cfg.Fusion.DBPath)
	if err != nil {
		log.Fatalf("Store: %v", err)
	}
	defer store.Close()

	window := time.Duration(cfg.Fusion.WindowMinutes) * time.Minute
	engine := fusion.NewEngine(window, fusion.AllRules(), store,
		fusion.NewMetrics(prometheus.DefaultRegisterer))

	opsServer := ops.NewServer("fusion", cfg.Ops.ListenAddress)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil {
			log.Fatalf("Ops endpoint: %v", err)
		}
	}()

	poller := ingest.NewPoller(ingest.Config{
		EvalInterval: time.Duration(cfg.Fusion.EvalIntervalSec) * time.Second,
		Window:       window,
		OnReady:      func() { opsServer.SetReady(true) },
	}, sourcesFromPaths(cfg.Fusion.Sources), engine,
		ingest.NewMetrics(prometheus.DefaultRegisterer))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	log.Printf("Fusion correlating %d sources over a %s window",
		len(cfg.Fusion.Sources), window)
	if err := poller.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Poller: %v", err)
	}

	opsServer.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
}
