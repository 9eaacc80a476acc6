// Command nexus-scheduler runs the central scheduler process: it serves
// the control RPC service backends and frontends register against,
// drives the beacon/epoch control loop, and exposes a Prometheus
// /metrics and /healthz endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/config"
	"github.com/uwsaml/nexus/controlloop"
	"github.com/uwsaml/nexus/metricsexport"
	"github.com/uwsaml/nexus/modeldb"
	"github.com/uwsaml/nexus/rpctransport"
	"github.com/uwsaml/nexus/scheduler"
)

type healthServer struct{}

func (s *healthServer) Check(ctx context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}, nil
}

func (s *healthServer) Watch(in *healthPb.HealthCheckRequest, srv healthPb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}

func main() {
	flags, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Fatalf("nexus-scheduler: %v", err)
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	_ = klogFlags.Set("v", fmt.Sprint(flags.Verbosity))
	debug.SetGCPercent(20)

	db, err := modeldb.Init(flags.ModelRoot)
	if err != nil {
		klog.Fatalf("nexus-scheduler: loading model database: %v", err)
	}

	var staticWorkload []config.WorkloadSlot
	if flags.WorkloadFile != "" {
		staticWorkload, err = config.LoadStaticWorkload(flags.WorkloadFile)
		if err != nil {
			klog.Fatalf("nexus-scheduler: loading static workload: %v", err)
		}
	}

	sched := scheduler.New(scheduler.Config{
		DB:             db,
		Dialer:         scheduler.GrpcDialer{},
		BeaconInterval: flags.BeaconInterval(),
		EpochInterval:  flags.EpochInterval(),
		EpochEnabled:   flags.EpochSchedule,
		PrefixBatch:    flags.PrefixBatch,
		StaticWorkload: staticWorkload,
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", flags.Port))
	if err != nil {
		klog.Fatalf("nexus-scheduler: listen: %v", err)
	}
	grpcServer := grpc.NewServer(rpctransport.ServerOption())
	rpctransport.RegisterSchedulerServer(grpcServer, sched)
	healthPb.RegisterHealthServer(grpcServer, &healthServer{})

	ctx, cancel := context.WithCancel(context.Background())

	loop := controlloop.New(controlloop.Config{
		BeaconInterval: flags.BeaconInterval(),
		EpochInterval:  flags.EpochInterval(),
		EpochEnabled:   flags.EpochSchedule,
		OnBeacon:       func() { sched.BeaconCheck(ctx) },
		OnEpoch:        func() { sched.EpochSchedule(ctx) },
	})
	go loop.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsexport.Handler(sched.Snapshot))
	mux.Handle("/healthz", metricsexport.HealthzHandler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", flags.MetricsPort), Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("nexus-scheduler: metrics server: %v", err)
		}
	}()

	gracefulStop := make(chan os.Signal, 1)
	signal.Notify(gracefulStop, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-gracefulStop
		klog.Infof("nexus-scheduler: caught signal %v, shutting down", sig)
		cancel()
		_ = metricsServer.Close()
		grpcServer.GracefulStop()
	}()

	klog.Infof("nexus-scheduler: control RPC on :%d, metrics on :%d, model_root=%s", flags.Port, flags.MetricsPort, flags.ModelRoot)
	if err := grpcServer.Serve(lis); err != nil {
		klog.Fatalf("nexus-scheduler: serve: %v", err)
	}
}
