package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/magma-gpu/rutabaga-gfx/crossdomain"
	"github.com/magma-gpu/rutabaga-gfx/crossdomain/gralloc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	configPath   = flag.String("config", "/etc/crossdomain/config.toml", "Path to the component's TOML config file.")
	metricsAddr  = flag.String("metrics-address", "127.0.0.1:9469", "Listen address for the Prometheus metrics endpoint.")
	logLevelFlag = flag.String("log-level", "info", "Log level of logrus (trace/debug/info/warn/error/fatal/panic).")
)

var mainLog = logrus.WithField("source", "crossdomain-host")

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevelFlag)
	if err != nil {
		mainLog.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)
	crossdomain.SetLogger(mainLog)

	cfg, err := crossdomain.LoadConfig(*configPath)
	if err != nil {
		mainLog.WithError(err).Fatal("failed to load config")
	}

	reg := prometheus.NewRegistry()
	metrics := crossdomain.NewMetrics(reg)

	allocator := &gralloc.Software{
		Dmabuf:            cfg.SupportsDmabuf,
		ExternalGpuMemory: cfg.SupportsExternalGpuMemory,
	}
	component := crossdomain.NewComponent(cfg.Paths(), allocator, nil, metrics)

	watcher, err := crossdomain.WatchConfig(*configPath, func(newCfg crossdomain.Config) {
		mainLog.Info("config changed, updating permitted channel paths")
		component.SetPaths(newCfg.Paths())
	})
	if err != nil {
		mainLog.WithError(err).Warn("config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.WithError(err).Fatal("metrics server failed")
		}
	}()
	mainLog.WithField("address", *metricsAddr).Info("crossdomain-host metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	mainLog.Info("crossdomain-host shutting down")
	server.Close()
}
