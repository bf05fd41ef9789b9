// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// dispatchd runs a batching request dispatcher as a standalone process,
// exposing its health and Prometheus metrics over HTTP. The compute
// function it batches is a placeholder that echoes its items back;
// real deployments link this package's wiring against their own
// dispatcher.Handler rather than running this binary directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"batchdispatch/dispatcher"
)

func main() {
	name := flag.String("name", "dispatchd", "dispatcher name, used to label its metrics")
	batchSize := flag.Int("batch_size", 32, "maximum items per sealed batch")
	batchTimeout := flag.Duration("batch_timeout", 20*time.Millisecond, "max wait before sealing an under-full batch")
	partitions := flag.Int("partitions", 4, "number of concurrently runnable batches")
	shutdown := flag.Duration("shutdown_grace", 30*time.Second, "grace window for in-flight batches on shutdown")
	httpAddr := flag.String("http", ":9191", "address for /healthz and /metrics")
	mode := flag.String("mode", "execute", "output mode: execute, batches, or hooks")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("dispatchd: build logger: %v", err)
	}
	defer logger.Sync()

	m, err := parseMode(*mode)
	if err != nil {
		logger.Fatal("invalid mode", zap.Error(err))
	}

	metrics := dispatcher.NewPrometheusMetrics(prometheus.DefaultRegisterer, *name)

	d, err := dispatcher.New(dispatcher.ServingConfig{
		Serving:      dispatcher.HandlerFunc(echoHandler),
		Name:         *name,
		BatchSize:    *batchSize,
		BatchTimeout: *batchTimeout,
		Partitions:   *partitions,
		Shutdown:     *shutdown,
		Mode:         m,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		logger.Fatal("build dispatcher", zap.Error(err))
	}
	d.Start()
	logger.Info("dispatcher started",
		zap.String("name", *name),
		zap.Int("batch_size", *batchSize),
		zap.Duration("batch_timeout", *batchTimeout),
		zap.Int("partitions", *partitions),
		zap.String("mode", m.String()),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdown+5*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher stop", zap.Error(err))
	}
	logger.Info("dispatcher stopped")
}

func parseMode(s string) (dispatcher.Mode, error) {
	switch s {
	case "execute":
		return dispatcher.ModeExecute, nil
	case "batches":
		return dispatcher.ModeBatches, nil
	case "hooks":
		return dispatcher.ModeHooks, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

func echoHandler(items []any) ([]any, any, error) {
	return items, len(items), nil
}
