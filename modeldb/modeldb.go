// Package modeldb implements a read-only lookup of model metadata and
// per-GPU latency/memory profiles, loaded once at process startup from a
// directory of YAML files and never mutated afterward.
package modeldb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"
	klog "k8s.io/klog/v2"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = fmt.Errorf("modeldb: not found")

// BatchPoint is one row of a profile's batch-size -> latency/memory table.
type BatchPoint struct {
	Batch       uint32 `yaml:"batch"`
	LatencyUs   float64 `yaml:"latency_us"`
	MemoryBytes uint64  `yaml:"memory_bytes"`
}

// Profile is the monotone batch-size schedule for one (model, GPU) pair.
type Profile struct {
	ModelID string
	GpuName string
	Points  []BatchPoint // sorted ascending by Batch
}

// ForwardLatencyUs returns the forward-pass latency for a given batch size,
// or ok=false if the profile has no row for exactly that batch size.
func (p *Profile) ForwardLatencyUs(batch uint32) (latencyUs float64, ok bool) {
	for _, pt := range p.Points {
		if pt.Batch == batch {
			return pt.LatencyUs, true
		}
	}
	return 0, false
}

// MemoryBytes returns the memory footprint for a given batch size, or
// ok=false if the profile has no row for exactly that batch size.
func (p *Profile) MemoryBytes(batch uint32) (mem uint64, ok bool) {
	for _, pt := range p.Points {
		if pt.Batch == batch {
			return pt.MemoryBytes, true
		}
	}
	return 0, false
}

// MaxBatch returns the largest batch size this profile has a row for, or 0
// if the profile is empty.
func (p *Profile) MaxBatch() uint32 {
	if len(p.Points) == 0 {
		return 0
	}
	return p.Points[len(p.Points)-1].Batch
}

// MetaRecord is the per-model metadata record (independent of GPU).
type MetaRecord struct {
	ModelID     string   `yaml:"model_id"`
	Resizable   bool     `yaml:"resizable"`
	ImageHeight uint32   `yaml:"image_height"`
	ImageWidth  uint32   `yaml:"image_width"`
	PrefixShare []string `yaml:"prefix_share"`
	Gpus        map[string][]BatchPoint `yaml:"gpus"`
}

// DB is the immutable, process-lifetime model database.
type DB struct {
	meta     map[string]MetaRecord
	profiles map[profileKey]*Profile
}

type profileKey struct {
	modelID string
	gpuName string
}

// Init walks rootDir for *.yml/*.yaml profile files and builds an
// in-memory index. It is fatal-on-error by convention: callers at startup
// should klog.Fatalf on a non-nil error, per the scheduler's error-handling
// design (an unreadable model-db root never starts the process).
func Init(rootDir string) (*DB, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil, fmt.Errorf("modeldb: cannot read root dir %q: %w", rootDir, err)
	}
	db := &DB{
		meta:     make(map[string]MetaRecord),
		profiles: make(map[profileKey]*Profile),
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(rootDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("modeldb: reading %q: %w", path, err)
		}
		var rec MetaRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("modeldb: parsing %q: %w", path, err)
		}
		if rec.ModelID == "" {
			klog.Warningf("modeldb: skipping %q, no model_id", path)
			continue
		}
		db.meta[rec.ModelID] = rec
		for gpu, points := range rec.Gpus {
			sorted := append([]BatchPoint(nil), points...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Batch < sorted[j].Batch })
			db.profiles[profileKey{rec.ModelID, gpu}] = &Profile{
				ModelID: rec.ModelID,
				GpuName: gpu,
				Points:  sorted,
			}
		}
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("modeldb: no profile files found under %q", rootDir)
	}
	klog.Infof("modeldb: loaded %d model profiles from %q", loaded, rootDir)
	return db, nil
}

// GetModelInfo returns the metadata record for modelID.
func (db *DB) GetModelInfo(modelID string) (*MetaRecord, error) {
	rec, ok := db.meta[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// GetProfile returns the (model, GPU) profile. input_h/input_w are accepted
// for interface symmetry with the spec but this on-disk layout keys
// profiles by model+GPU only, so the dimensions are ignored.
func (db *DB) GetProfile(modelID, gpuName string, _, _ uint32) (*Profile, error) {
	p, ok := db.profiles[profileKey{modelID, gpuName}]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// GetPrefixShareModels returns the model IDs that share a backbone prefix
// with modelID, per its metadata record.
func (db *DB) GetPrefixShareModels(modelID string) []string {
	rec, ok := db.meta[modelID]
	if !ok {
		return nil
	}
	return rec.PrefixShare
}
