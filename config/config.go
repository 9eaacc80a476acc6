// Package config holds the scheduler process's command-line flags and
// the static workload file loader.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/uwsaml/nexus/controlpb"
)

// Flags is the scheduler process's CLI surface.
type Flags struct {
	Port            int
	MetricsPort     int
	NThread         int
	ModelRoot       string
	WorkloadFile    string
	BeaconSec       int
	EpochSec        int
	EpochSchedule   bool
	PrefixBatch     bool
	Verbosity       int
}

// Parse registers and parses the scheduler's flags against fs (pass
// flag.CommandLine in production, a fresh flag.FlagSet in tests).
func Parse(fs *flag.FlagSet, args []string) (*Flags, error) {
	f := &Flags{}
	fs.IntVar(&f.Port, "port", 12345, "control RPC listen port")
	fs.IntVar(&f.MetricsPort, "metrics_port", 12346, "Prometheus /metrics and /healthz listen port")
	fs.IntVar(&f.NThread, "nthread", 4, "RPC server worker goroutine pool size hint")
	fs.StringVar(&f.ModelRoot, "model_root", "", "model profile database root directory")
	fs.StringVar(&f.WorkloadFile, "workload", "", "optional YAML file of static per-backend workload slots")
	fs.IntVar(&f.BeaconSec, "beacon", 2, "beacon interval in seconds")
	fs.IntVar(&f.EpochSec, "epoch", 10, "epoch interval in seconds")
	fs.BoolVar(&f.EpochSchedule, "epoch_schedule", true, "enable epoch rescheduling")
	fs.BoolVar(&f.PrefixBatch, "prefix_batch", true, "enable prefix batching")
	fs.IntVar(&f.Verbosity, "v", 0, "klog verbosity level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.ModelRoot == "" {
		return nil, fmt.Errorf("config: -model_root is required")
	}
	return f, nil
}

// BeaconInterval returns the configured beacon period as a Duration.
func (f *Flags) BeaconInterval() time.Duration {
	return time.Duration(f.BeaconSec) * time.Second
}

// EpochInterval returns the configured epoch period as a Duration.
func (f *Flags) EpochInterval() time.Duration {
	return time.Duration(f.EpochSec) * time.Second
}

// SessionSpec is one YAML-encoded model session entry in a static
// workload slot.
type SessionSpec struct {
	Framework    string  `yaml:"framework"`
	ModelName    string  `yaml:"model_name"`
	Version      uint32  `yaml:"version"`
	LatencySLAMs float32 `yaml:"latency_sla_ms"`
	ImageHeight  uint32  `yaml:"image_height"`
	ImageWidth   uint32  `yaml:"image_width"`
}

// ToModelSession converts a YAML spec to its wire type.
func (s SessionSpec) ToModelSession() controlpb.ModelSession {
	return controlpb.ModelSession{
		Framework:    s.Framework,
		ModelName:    s.ModelName,
		Version:      s.Version,
		LatencySLAMs: s.LatencySLAMs,
		ImageHeight:  s.ImageHeight,
		ImageWidth:   s.ImageWidth,
	}
}

// WorkloadSlot is one pre-configured backend plan: a block of model
// sessions loaded together onto whichever backend next fills the slot.
type WorkloadSlot []controlpb.ModelSession

// LoadStaticWorkload parses the static workload YAML file: an outer
// sequence whose index is the workload slot id, each slot a sequence of
// model-session specs.
func LoadStaticWorkload(path string) ([]WorkloadSlot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading workload file %q: %w", path, err)
	}
	var raw [][]SessionSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parsing workload file %q: %w", path, err)
	}
	slots := make([]WorkloadSlot, len(raw))
	for i, specs := range raw {
		slot := make(WorkloadSlot, len(specs))
		for j, s := range specs {
			slot[j] = s.ToModelSession()
		}
		slots[i] = slot
	}
	return slots, nil
}
