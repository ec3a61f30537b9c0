package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amoskys/amoskys/internal/bus"
	"github.com/amoskys/amoskys/internal/certs"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/crypto"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/internal/ops"
)

func main() {
	configPath := flag.String("config", "amoskys.yaml", "configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	tlsCfg, err := certs.ServerTLS(cfg.Bus.CertDir, "bus")
	if err != nil {
		log.Fatalf("TLS: %v", err)
	}

	trust, err := crypto.LoadTrustMap(cfg.Bus.TrustDir)
	if err != nil {
		log.Fatalf("Trust map: %v", err)
	}

	wal, err := ldq.Open(cfg.Bus.WALPath)
	if err != nil {
		log.Fatalf("WAL: %v", err)
	}
	defer wal.Close()

	ttl := time.Duration(cfg.Bus.DedupeTTLSec) * time.Second
	var dedup bus.DedupIndex
	if cfg.Bus.RedisAddress != "" {
		dedup, err = bus.NewRedisDedup(context.Background(), cfg.Bus.RedisAddress, ttl)
		if err != nil {
			log.Fatalf("Redis dedup: %v", err)
		}
	} else {
		dedup = bus.NewMemoryDedup(ttl, cfg.Bus.DedupeMax)
	}
	defer dedup.Close()

	server := bus.NewServer(bus.Config{
		MaxEnvBytes:  cfg.Bus.MaxEnvBytes,
		MaxInflight:  int64(cfg.Bus.MaxInflight),
		HardMax:      int64(cfg.Bus.HardMax),
		OverloadMode: cfg.Bus.OverloadMode,
	}, trust, dedup, wal, bus.NewMetrics(prometheus.DefaultRegisterer))
	grpcServer := server.NewGRPCServer(tlsCfg)

	lis, err := net.Listen("tcp", cfg.Bus.ListenAddress)
	if err != nil {
		log.Fatalf("Listen %s: %v", cfg.Bus.ListenAddress, err)
	}

	opsServer := ops.NewServer("bus", cfg.Ops.ListenAddress)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil {
			log.Fatalf("Ops endpoint: %v", err)
		}
	}()

	go func() {
		log.Printf("EventBus listening on %s (ops on %s)", cfg.Bus.ListenAddress, cfg.Ops.ListenAddress)
		opsServer.SetReady(true)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("Serve: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			// Hot-reload agent trust without dropping connections.
			if err := trust.Reload(); err != nil {
				log.Printf("Trust reload failed: %v", err)
			} else {
				log.Printf("Trust map reloaded")
			}
			continue
		}
		log.Printf("Shutting down on %v", sig)
		break
	}

	opsServer.SetReady(false)
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(ctx)
}
