package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"tcplb"
)

func serve(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if *workers > 0 {
		config.Global.Workers = *workers
	}
	if *metricsAddr != "" {
		config.Global.MetricsAddress = *metricsAddr
	}
	if config.Global.MaxOpenFiles > 0 {
		_, err = tcplb.RaiseOpenFilesLimit(uint64(config.Global.MaxOpenFiles))
		if err != nil {
			log.Warn().Msgf("keeping the current open files limit: %+v", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	options := config.Options()
	options.Metrics = tcplb.NewMetrics(reg)
	metricsServer := startMetricsServer(config.Global.MetricsAddress, reg)

	manager, err := tcplb.NewManager(options)
	if err != nil {
		return err
	}
	err = manager.Start(config.Resolve())
	if err != nil {
		if len(manager.Frontends()) == 0 {
			_ = manager.Shutdown(context.Background())
			return err
		}
		log.Warn().Msgf("started with failing frontends: %+v", err)
	}
	log.Info().Msgf("serving frontends %v", manager.Frontends())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)
wait:
	for {
		select {
		case sig := <-signals:
			if sig != syscall.SIGHUP {
				log.Info().Msgf("got %s, shutting down", sig)
				break wait
			}
			reload(manager)
		case <-manager.Done():
			log.Error().Msg("event loop failed, shutting down")
			break wait
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ShutdownTimeout)
	defer cancel()
	err = manager.Shutdown(ctx)
	for _, stats := range manager.Stats().Frontends {
		log.Info().Msgf("frontend stats: %+v", stats)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	return err
}

func reload(manager *tcplb.Manager) {
	config, err := loadConfig()
	if err != nil {
		log.Error().Msgf("can't reload config, keeping the running one: %+v", err)
		return
	}
	err = manager.Reconfigure(config.Resolve())
	if err != nil {
		log.Warn().Msgf("reconfigured with failing frontends: %+v", err)
	}
}

func startMetricsServer(address string, reg *prometheus.Registry) *http.Server {
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Msgf("metrics server stopped: %+v", err)
		}
	}()
	log.Info().Msgf("serving metrics on %s", address)
	return server
}
