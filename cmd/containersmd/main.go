// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Command containersmd hosts the process-wide scaffolding a storage node
// wraps around one or more replicated container state machines: config
// load, logging, the shared gRPC/HTTP listeners, and the rpcstat
// introspection surface. The consensus engine and the dispatcher
// implementation are supplied by the surrounding deployment; this binary
// only wires up what containersm itself owns.
package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/containersm/metrics"
	"github.com/cubefs/containersm/rpcstat"
	"github.com/cubefs/containersm/statemachine"
)

// Config is containersmd's own process configuration, embedding the
// recognized state-machine options so a single config file covers both.
type Config struct {
	statemachine.Config

	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	HttpBindPort  uint32    `json:"http_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "containersmd.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	log.SetOutputLevel(cfg.LogLevel)
	registerLogLevel()
	modifyOpenFiles()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.GRPCMetrics)
	statRegistry := rpcstat.NewRegistry()

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metrics.GRPCMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.GRPCMetrics.StreamServerInterceptor()),
	)
	healthServer := rpcstat.RegisterHealthServer(grpcServer, statRegistry)
	metrics.GRPCMetrics.InitializeMetrics(grpcServer)

	statRegistry.RegisterHTTPRoutes()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/", rpc.MiddlewareHandlerWith(rpc.DefaultRouter, profile.NewProfileHandler(":"+strconv.Itoa(int(cfg.HttpBindPort)))))
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(int(cfg.HttpBindPort)),
		Handler: mux,
	}

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.GrpcBindPort)))
	if err != nil {
		log.Fatal("listen grpc port failed:", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server exited:", err)
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	log.Info("containersmd is running, grpc port", cfg.GrpcBindPort, "http port", cfg.HttpBindPort)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	healthServer.Close()
	grpcServer.GracefulStop()
	_ = httpServer.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}
	rLimit.Cur = 1024000
	rLimit.Max = 1024000
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
}
