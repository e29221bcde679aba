package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciancaetano/ariarpc/aria2"
	"github.com/luciancaetano/ariarpc/internal/config"
	"github.com/luciancaetano/ariarpc/internal/logger"
	"github.com/luciancaetano/ariarpc/internal/metrics"
)

// app holds what every command needs: the aria2 client, the logger and the
// optional metrics endpoint.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
	aria2    *aria2.Client
	metrics  *http.Server
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closeLog: closeLog}

	wsCfg := cfg.WS()
	wsCfg.Logger = log
	wsCfg.OnProtocolError = func(err error) {
		log.Error("protocol error", "error", err)
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		if err := a.serveMetrics(collector); err != nil {
			closeLog()
			return nil, err
		}
		wsCfg.Observer = collector
	}

	a.aria2 = aria2.Dial(ctx, wsCfg, cfg.RPC.Secret, aria2.WithCoerce(cfg.RPC.Coerce))
	a.aria2.RPC().OnError(func(err error) {
		log.Warn("connection error", "url", cfg.RPC.URL, "error", err)
	})
	return a, nil
}

func (a *app) serveMetrics(collector *metrics.Collector) error {
	reg, err := metrics.NewRegistry(collector)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) close() {
	if err := a.aria2.Close(); err != nil {
		a.log.Debug("closing client", "error", err)
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	_ = a.closeLog()
}
