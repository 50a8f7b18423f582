/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/stalq/stalqd/pkg/server"
)

func main() {
	listen := pflag.String("listen", ":3000", "address to listen on")
	metricsListen := pflag.String("metrics-listen", "", "expose Prometheus metrics on this address (disabled when empty)")
	maxJobSize := pflag.Int("max-job-size", 65535, "maximum job body size in bytes")
	logLevel := pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := pflag.Bool("log-json", false, "log in JSON format")
	pflag.Parse()

	log := logrus.New()
	if *logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithField("level", *logLevel).Fatal("unknown log level")
	}
	log.SetLevel(level)

	srv := server.New(server.Options{
		MaxJobSize: *maxJobSize,
		Logger:     log,
	})

	l, err := net.Listen("tcp", *listen)
	if err != nil {
		log.WithError(err).Fatal("listen")
	}

	var g errgroup.Group

	g.Go(func() error {
		return srv.Serve(l)
	})

	if *metricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(server.NewCollector("stalqd_", nil, srv))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		g.Go(func() error {
			log.WithField("addr", *metricsListen).Info("metrics listening")
			return http.ListenAndServe(*metricsListen, mux)
		})
	}

	g.Go(func() error {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
		for sig := range sigc {
			if sig == syscall.SIGUSR1 {
				// Drain mode: stop accepting new jobs, keep serving.
				srv.SetDraining(true)
				continue
			}
			log.WithField("signal", sig.String()).Info("shutting down")
			return srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server error")
	}
}
