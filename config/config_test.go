package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRequiresModelRoot(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if _, err := Parse(fs, []string{}); err == nil {
		t.Fatalf("want error without -model_root")
	}
}

func TestParseDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f, err := Parse(fs, []string{"-model_root", "/tmp/models"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.BeaconSec != 2 || f.EpochSec != 10 {
		t.Fatalf("want default beacon=2 epoch=10, got %d %d", f.BeaconSec, f.EpochSec)
	}
	if f.BeaconInterval().Seconds() != 2 {
		t.Fatalf("want 2s beacon interval")
	}
}

func TestLoadStaticWorkload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workload.yml")
	content := `
- - framework: caffe
    model_name: resnet50
    version: 1
    latency_sla_ms: 100
- - framework: caffe
    model_name: vgg16
    version: 1
    latency_sla_ms: 50
  - framework: caffe
    model_name: vgg16_aux
    version: 1
    latency_sla_ms: 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	slots, err := LoadStaticWorkload(path)
	if err != nil {
		t.Fatalf("LoadStaticWorkload: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("want 2 slots, got %d", len(slots))
	}
	if len(slots[0]) != 1 || slots[0][0].ModelName != "resnet50" {
		t.Fatalf("want slot 0 = [resnet50], got %v", slots[0])
	}
	if len(slots[1]) != 2 {
		t.Fatalf("want slot 1 to have 2 sessions, got %d", len(slots[1]))
	}
}
