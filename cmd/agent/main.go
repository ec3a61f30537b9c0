package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amoskys/amoskys/internal/agent"
	"github.com/amoskys/amoskys/internal/certs"
	"github.com/amoskys/amoskys/internal/circuitbreaker"
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

	signer, err := crypto.LoadSigner(cfg.Agent.KeyPath)
	if err != nil {
		log.Fatalf("Signing key: %v", err)
	}

	queue, err := ldq.OpenQueue(cfg.Agent.QueuePath, ldq.QueueConfig{
		MaxBytes:    cfg.Agent.MaxQueueBytes,
		MaxEnvBytes: cfg.Agent.MaxEnvBytes,
		MaxRetries:  cfg.Agent.RetryMax,
	})
	if err != nil {
		log.Fatalf("Queue: %v", err)
	}

	tlsCfg, err := certs.ClientTLS(cfg.Agent.CertDir, "agent", "bus")
	if err != nil {
		log.Fatalf("TLS: %v", err)
	}
	publisher, err := agent.NewBusPublisher(cfg.Agent.BusAddress, tlsCfg,
		time.Duration(cfg.Agent.RetryTimeoutSec)*time.Second)
	if err != nil {
		log.Fatalf("Bus client: %v", err)
	}
	defer publisher.Close()

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("bus"))

	// The send rate caps how much backlog one cycle may push at the bus.
	drainLimit := int(cfg.Agent.SendRateHz * float64(cfg.Agent.IntervalSec))

	opsServer := ops.NewServer("agent", cfg.Ops.ListenAddress)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil {
			log.Fatalf("Ops endpoint: %v", err)
		}
	}()

	runtime := agent.NewRuntime(agent.Config{
		Interval:   time.Duration(cfg.Agent.IntervalSec) * time.Second,
		DrainLimit: drainLimit,
		RetryMax:   cfg.Agent.RetryMax,
		OnReady:    func() { opsServer.SetReady(true) },
	}, agent.NewHeartbeatCollector(), queue, breaker, signer,
		publisher.Publish, agent.NewMetrics(prometheus.DefaultRegisterer))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	log.Printf("Agent publishing to %s every %ds", cfg.Agent.BusAddress, cfg.Agent.IntervalSec)
	if err := runtime.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Runtime: %v", err)
	}

	opsServer.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
}
