// Command nexus-loadgen drives Register and LoadModel RPCs against a
// running scheduler at a target concurrency and reports latency
// percentiles, in place of a protobuf-reflection-based load tool (the
// scheduler's wire format is JSON over grpc, not real protobuf; see
// DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/rpctransport"
)

func main() {
	addr := flag.String("addr", "localhost:12345", "scheduler control RPC address")
	backends := flag.Int("backends", 4, "number of fake backends to register")
	frontends := flag.Int("frontends", 1, "number of fake frontends to issue LoadModel from")
	requests := flag.Int("requests", 200, "total LoadModel requests to issue")
	concurrency := flag.Int("concurrency", 8, "concurrent LoadModel callers")
	gpuName := flag.String("gpu", "titanx", "GPU device name reported by fake backends")
	gpuMem := flag.Uint64("gpu_mem", 8<<30, "GPU memory reported by fake backends")
	modelName := flag.String("model", "resnet50", "model_name to load")
	framework := flag.String("framework", "caffe", "framework to load")
	sla := flag.Float64("sla_ms", 100, "latency SLA in milliseconds")
	estimate := flag.Float64("estimate", 50, "per-request estimated workload (qps)")
	flag.Parse()

	runID := uuid.New().String()
	fmt.Printf("nexus-loadgen run %s: addr=%s backends=%d frontends=%d requests=%d concurrency=%d\n",
		runID, *addr, *backends, *frontends, *requests, *concurrency)

	cc, err := rpctransport.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexus-loadgen: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer cc.Close()
	client := rpctransport.NewSchedulerClient(cc)
	ctx := context.Background()

	for i := 0; i < *backends; i++ {
		reply, err := client.Register(ctx, &controlpb.RegisterRequest{
			NodeType:           controlpb.BackendNode,
			NodeID:             uint32(1000 + i),
			GpuDeviceName:      *gpuName,
			GpuAvailableMemory: *gpuMem,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "nexus-loadgen: register backend %d: %v\n", i, err)
			os.Exit(1)
		}
		if reply.Status != controlpb.CtrlOK {
			fmt.Fprintf(os.Stderr, "nexus-loadgen: register backend %d: status=%v\n", i, reply.Status)
			os.Exit(1)
		}
	}
	frontendIDs := make([]uint32, *frontends)
	for i := 0; i < *frontends; i++ {
		nodeID := uint32(2000 + i)
		frontendIDs[i] = nodeID
		reply, err := client.Register(ctx, &controlpb.RegisterRequest{NodeType: controlpb.FrontendNode, NodeID: nodeID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "nexus-loadgen: register frontend %d: %v\n", i, err)
			os.Exit(1)
		}
		if reply.Status != controlpb.CtrlOK {
			fmt.Fprintf(os.Stderr, "nexus-loadgen: register frontend %d: status=%v\n", i, reply.Status)
			os.Exit(1)
		}
	}

	latencies := make([]time.Duration, *requests)
	var mu sync.Mutex
	counts := map[controlpb.Status]int{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < *requests; i++ {
		idx := i
		g.Go(func() error {
			nodeID := frontendIDs[idx%len(frontendIDs)]
			sess := controlpb.ModelSession{
				Framework:    *framework,
				ModelName:    *modelName,
				Version:      1,
				LatencySLAMs: float32(*sla),
			}
			start := time.Now()
			reply, err := client.LoadModel(gctx, &controlpb.LoadModelRequest{
				NodeID:           nodeID,
				ModelSession:     sess,
				EstimateWorkload: float32(*estimate),
			})
			latencies[idx] = time.Since(start)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[reply.Status]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "nexus-loadgen: LoadModel: %v\n", err)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("nexus-loadgen run %s: results\n", runID)
	for status, n := range counts {
		fmt.Printf("  status %-20s %d\n", status, n)
	}
	if n := len(latencies); n > 0 {
		fmt.Printf("  p50  %v\n", percentile(latencies, 0.50))
		fmt.Printf("  p90  %v\n", percentile(latencies, 0.90))
		fmt.Printf("  p99  %v\n", percentile(latencies, 0.99))
		fmt.Printf("  max  %v\n", latencies[n-1])
	}
}

// percentile returns the p-th percentile (0 < p <= 1) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
