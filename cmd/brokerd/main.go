// Command brokerd is the broker's entry point: it wires every internal
// component together and runs the HTTP/WebSocket surface until a
// SIGINT/SIGTERM asks for graceful shutdown, the same flag-config-serve
// shape as the teacher's cmd/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"chatbroker/internal/ack"
	"chatbroker/internal/auth"
	"chatbroker/internal/config"
	"chatbroker/internal/history"
	"chatbroker/internal/lanes"
	"chatbroker/internal/metrics"
	"chatbroker/internal/permissions"
	"chatbroker/internal/processor"
	"chatbroker/internal/publish"
	"chatbroker/internal/registry"
	"chatbroker/internal/sequence"
	"chatbroker/internal/transport"
	"chatbroker/pkg/natsbroker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[brokerd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		log.Fatalf("broker error: %v", err)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	m := metrics.New()
	sys := metrics.NewSystemMetrics()

	reg := registry.New()
	resolver := permissions.New()
	seq := sequence.New()
	hist := history.New(cfg.History.RetentionDays, cfg.History.DefaultLimit, cfg.History.MaxLimit)
	pendingAck := ack.New(time.Duration(cfg.Ack.TimeoutSeconds) * time.Second)
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenExpiration)*time.Second)

	var relay *natsbroker.Client
	natsCfg := natsbroker.Config{
		URL:             cfg.NATS.URL,
		MaxReconnects:   cfg.NATS.MaxReconnects,
		ReconnectWait:   time.Duration(cfg.NATS.ReconnectWait) * time.Millisecond,
		ReconnectJitter: time.Duration(cfg.NATS.ReconnectJitter) * time.Millisecond,
		MaxPingsOut:     cfg.NATS.MaxPingsOut,
		PingInterval:    time.Duration(cfg.NATS.PingInterval) * time.Millisecond,
	}
	nc, err := natsbroker.NewClient(natsCfg, m, logger)
	if err != nil {
		// A single-instance deployment works fine without cross-instance
		// relay; with no client the processor gets no relay attached and
		// dead letters go to the logging sink, so both stay local-only.
		logger.Printf("NATS unavailable, running without cross-instance relay: %v", err)
		nc = nil
	} else {
		relay = nc
	}

	proc := processor.New(reg, seq, hist, logger)
	if relay != nil {
		proc = proc.WithRelay(relay, natsbroker.SubjectBuilder.Chat)
	}
	proc = proc.WithAcker(pendingAck)

	var sink lanes.DeadLetterSink = &lanes.LoggingDeadLetterSink{Logger: logger}
	if nc != nil {
		sink = &natsbroker.DeadLetterSink{Client: nc, Logger: logger}
	}

	dedupWindow := time.Duration(cfg.Lanes.DedupWindowSeconds) * time.Second
	orderedLane := lanes.NewOrderedLane(proc, sink, cfg.Lanes.DeadLetterThreshold, dedupWindow, logger)
	fastLane := lanes.NewFastLane(proc, sink, cfg.Lanes.DeadLetterThreshold, cfg.Lanes.FastBatchSize, logger)

	pub := publish.New(resolver, orderedLane, fastLane, nil).WithAckRegistry(pendingAck)

	if nc != nil {
		if err := nc.Subscribe(natsbroker.SubjectBuilder.ChatWildcard(), func(data []byte) {
			env, err := natsbroker.ParseEnvelope(data)
			if err != nil {
				logger.Printf("discarding malformed relayed envelope: %v", err)
				m.RecordError("relay_parse")
				return
			}
			if err := proc.ApplyRemote(context.Background(), env); err != nil {
				logger.Printf("apply remote envelope failed for messageId=%s: %v", env.MessageID, err)
			}
		}); err != nil {
			logger.Printf("failed to subscribe to relay subject: %v", err)
		}
	}

	srv := transport.New(cfg, reg, resolver, pub, hist, pendingAck, jwtManager, m, sys, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Mux(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	sweepInterval := time.Duration(cfg.History.SweepIntervalMinutes) * time.Minute
	stopSweep := make(chan struct{})
	go sweepLoop(hist, pendingAck, sweepInterval, stopSweep)

	metricsInterval := time.Duration(cfg.Metrics.UpdateIntervalSeconds) * time.Second
	stopMetrics := make(chan struct{})
	go metricsLoop(m, sys, metricsInterval, stopMetrics)

	go func() {
		logger.Printf("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Printf("received signal %v, shutting down", sig)

	close(stopSweep)
	close(stopMetrics)
	orderedLane.Shutdown()
	fastLane.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("HTTP server shutdown error: %v", err)
	}
	if nc != nil {
		nc.Close()
	}

	return nil
}

// sweepLoop periodically expires stale Pending ACK entries and prunes
// history past its retention window, the same ticker-driven background
// maintenance shape the teacher used for its metrics collection loop.
func sweepLoop(hist *history.Store, pendingAck *ack.Registry, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			hist.Sweep(now)
			pendingAck.Sweep(now)
		}
	}
}

// metricsLoop periodically refreshes the gopsutil-backed system snapshot
// and copies it onto the Prometheus gauges, the same polling cadence the
// teacher's system metrics collector used.
func metricsLoop(m *metrics.Metrics, sys *metrics.SystemMetrics, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sys.Update()
			m.UpdateSystem(sys)
		}
	}
}
