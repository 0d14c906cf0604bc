package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dream-sh/dream-agent/internal/agent"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Port != 11535 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 11535)
	}
	if cfg.Device.Count != 1 {
		t.Errorf("Device.Count = %d, want 1", cfg.Device.Count)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("Agents = %d entries, want 1", len(cfg.Agents))
	}
	if cfg.Agents[0].Kind != "interface_llm" {
		t.Errorf("Agents[0].Kind = %q, want interface_llm", cfg.Agents[0].Kind)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("expected default port on missing file, got %d", cfg.API.Port)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.API.Port = 9999
	cfg.Agents[0].WorkerConcurrency = 8

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.API.Port != 9999 {
		t.Errorf("API.Port = %d, want 9999", got.API.Port)
	}
	if got.Agents[0].WorkerConcurrency != 8 {
		t.Errorf("Agents[0].WorkerConcurrency = %d, want 8", got.Agents[0].WorkerConcurrency)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want agent.Priority
	}{
		{"critical", agent.PriorityCritical},
		{"", agent.PriorityCritical},
		{"high", agent.PriorityHigh},
		{"medium", agent.PriorityMedium},
		{"low", agent.PriorityLow},
		{"background", agent.PriorityBackground},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if err != nil {
			t.Fatalf("ParsePriority(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParsePriority("bogus"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestParseKindUnknown(t *testing.T) {
	if _, err := ParseKind("bogus"); err == nil {
		t.Error("expected error for unknown agent kind")
	}
	k, err := ParseKind("reasoning")
	if err != nil || k != agent.Reasoning {
		t.Errorf("ParseKind(reasoning) = %v, %v", k, err)
	}
}

func TestCapacitiesMapping(t *testing.T) {
	cc := CapacityConfig{GpuMemory: 10, CpuMemory: 20, GpuCompute: 30, CpuCompute: 40, NetworkBandwidth: 50, StorageIo: 60}
	caps := cc.Capacities()
	if caps[agent.GpuMemory] != 10 || caps[agent.StorageIo] != 60 {
		t.Errorf("unexpected capacities array: %+v", caps)
	}
}

func TestAgentConfigResources(t *testing.T) {
	ac := AgentConfig{Resources: []ResourceRequirementConfig{
		{Kind: "gpu_memory", Amount: 100, UtilizationCeiling: 0.9},
	}}
	reqs, err := ac.Resources()
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Kind != agent.GpuMemory || reqs[0].Amount != 100 {
		t.Errorf("unexpected resources: %+v", reqs)
	}
}

func TestDurationFallsBackToDefault(t *testing.T) {
	d, err := Duration("", 7)
	if err != nil || d != 7 {
		t.Errorf("Duration empty = %v, %v, want 7, nil", d, err)
	}
	d, err = Duration("bogus", 7)
	if err == nil {
		t.Error("expected error for invalid duration string")
	}
	_ = d
}
