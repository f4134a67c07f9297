// Command apphost serves multi-tenant JavaScript request handlers behind
// HTTP. It loads app definitions from a YAML config, publishes them in a
// registry, and routes inbound requests by header to isolated script VMs.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"apphost"
	"apphost/internal/config"
	"apphost/internal/metrics"
	"apphost/internal/server"
)

func main() {
	configPath := flag.String("config", "apphost.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log, err := buildLogger(*debug)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	registry := apphost.NewRegistry(log, clockwork.NewRealClock())
	defer registry.Close()

	reload := func() error {
		freshCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		appCfgs, err := freshCfg.AppConfigs()
		if err != nil {
			return err
		}
		return registry.Reload(appCfgs)
	}

	appCfgs, err := cfg.AppConfigs()
	if err != nil {
		log.Fatal("loading app scripts", zap.Error(err))
	}
	if err := registry.Reload(appCfgs); err != nil {
		log.Fatal("publishing initial apps", zap.Error(err))
	}
	metrics.PublishedApps.Set(float64(len(registry.Apps())))

	srv := server.New(registry, log, server.Options{
		Listen:         cfg.Listen,
		RoutingHeader:  cfg.RoutingHeader,
		MaxConnections: cfg.MaxConnections,
		ReloadFn:       reload,
	})

	go watchSignals(log, reload)
	go pollAppGauges(registry)

	go func() {
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		<-term
		log.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// watchSignals triggers a hot reload on SIGHUP. A rejected reload keeps the
// live generation serving.
func watchSignals(log *zap.Logger, reload func() error) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for range hup {
		log.Info("SIGHUP received, reloading")
		if err := reload(); err != nil {
			metrics.ReloadsTotal.WithLabelValues("rejected").Inc()
			log.Warn("reload rejected, keeping current generation", zap.Error(err))
			continue
		}
		metrics.ReloadsTotal.WithLabelValues("published").Inc()
		log.Info("reload published")
	}
}

// pollAppGauges refreshes per-app gauges from registry snapshots.
func pollAppGauges(registry *apphost.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		apps := registry.Apps()
		metrics.PublishedApps.Set(float64(len(apps)))
		for _, a := range apps {
			metrics.AppMemoryBytes.WithLabelValues(a.Name()).Set(float64(a.MemoryUsed()))
		}
	}
}
