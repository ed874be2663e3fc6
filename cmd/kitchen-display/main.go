package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/orderdeck/orderdeck/internal/config"
	"github.com/orderdeck/orderdeck/internal/orders/infrastructure/rest"
	"github.com/orderdeck/orderdeck/internal/orders/infrastructure/stream"
	"github.com/orderdeck/orderdeck/internal/session"
	"github.com/orderdeck/orderdeck/pkg/logging"
	"github.com/orderdeck/orderdeck/pkg/shutdown"
	"github.com/orderdeck/orderdeck/pkg/tracing"
)

func main() {
	log := logging.New("kitchen-display")

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	cfgPath := flag.String("config", env("ORDERDECK_CONFIG", "config.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error("config load failed", "path", *cfgPath, "err", err)
		os.Exit(1)
	}
	// An unattended display never pauses its polling, whatever the file
	// says.
	cfg.Profile = "kitchen-display"

	if cfg.OTLP != "" {
		tp, err := tracing.Init(ctx, "kitchen-display", cfg.OTLP, log)
		if err != nil {
			log.Error("otel init failed", "err", err)
			os.Exit(1)
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	gw := rest.NewClient(log, cfg.Remote.BaseURL, cfg.Remote.Timeout.Std())
	src := stream.NewKafkaSource(log, cfg.Stream.Brokers, cfg.Stream.Topic, "kds-"+hostname())
	defer src.Close()

	sess := session.New(log, cfg, gw, src)
	// The kitchen column is always on screen here.
	sess.SetCapacityViewActive(true)

	srv := &http.Server{
		Addr:         cfg.DebugAddr,
		Handler:      sess.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("debug surface listening", "addr", cfg.DebugAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("debug server error", "err", err)
			cancel()
		}
	}()

	go func() {
		if err := sess.Run(ctx); err != nil {
			log.Error("session stopped with error", "err", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("kitchen-display shutdown complete")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "terminal"
	}
	return h
}
