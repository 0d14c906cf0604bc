// Package config loads TOML configuration for the DREAM agent daemon,
// translating one or more [[agent]] tables plus shared [prediction] and
// [rebalance] tables into the scheduler.Config / predictor.Config values
// each agent's runtime collaborators are built from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dream-sh/dream-agent/internal/agent"
)

// AgentConfig is one [[agent]] table: the declared shape of a single
// scheduler instance before it is resolved into scheduler.Config.
type AgentConfig struct {
	Kind              string `toml:"kind"`
	ModelName         string `toml:"model_name"`
	PriorityDefault   string `toml:"priority_default"`
	MemoryBudget      uint64 `toml:"memory_budget"`
	WorkerConcurrency int    `toml:"worker_concurrency"`
	MaxQueue          int    `toml:"max_queue"`
	TaskTimeout       string `toml:"task_timeout"`

	Resources []ResourceRequirementConfig `toml:"resources"`
}

// ResourceRequirementConfig is one declared resource requirement row
// under an [[agent.resources]] table.
type ResourceRequirementConfig struct {
	Kind               string  `toml:"kind"`
	Amount             uint64  `toml:"amount"`
	UtilizationCeiling float64 `toml:"utilization_ceiling"`
}

// PredictionConfig is the shared [prediction] table.
type PredictionConfig struct {
	MaxHistory      int    `toml:"max_history"`
	RefreshInterval string `toml:"refresh_interval"`
}

// RebalanceConfig is the shared [rebalance] table.
type RebalanceConfig struct {
	Interval          string  `toml:"interval"`
	OverloadThreshold float64 `toml:"overload_threshold"`
}

// DeviceConfig is the shared [device] table controlling the one
// process-wide device.Manager.
type DeviceConfig struct {
	Count            int    `toml:"count"`
	StreamsPerDevice int    `toml:"streams_per_device"`
	MemoryPerDevice  uint64 `toml:"memory_per_device"`
}

// CapacityConfig is the shared [capacity] table: the Resource Accountant's
// per-kind ceiling, keyed by ResourceKind name.
type CapacityConfig struct {
	GpuMemory        uint64 `toml:"gpu_memory"`
	CpuMemory        uint64 `toml:"cpu_memory"`
	GpuCompute       uint64 `toml:"gpu_compute"`
	CpuCompute       uint64 `toml:"cpu_compute"`
	NetworkBandwidth uint64 `toml:"network_bandwidth"`
	StorageIo        uint64 `toml:"storage_io"`
}

// APIConfig controls the daemon's HTTP status/submit surface.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// LoggingConfig controls daemon logging.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// AuditConfig controls the write-only completed-task log.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config holds the full daemon configuration: zero or more agents sharing
// one device manager, prediction cadence, and rebalance cadence.
type Config struct {
	API        APIConfig        `toml:"api"`
	Logging    LoggingConfig    `toml:"logging"`
	Device     DeviceConfig     `toml:"device"`
	Capacity   CapacityConfig   `toml:"capacity"`
	Prediction PredictionConfig `toml:"prediction"`
	Rebalance  RebalanceConfig  `toml:"rebalance"`
	Audit      AuditConfig      `toml:"audit"`
	Agents     []AgentConfig    `toml:"agent"`
}

// DefaultConfig returns a single-agent configuration sized for a
// developer workstation running one InterfaceLlm agent.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        11535,
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dreamHome(), "dream.log"),
		},
		Device: DeviceConfig{
			Count:            1,
			StreamsPerDevice: 4,
			MemoryPerDevice:  8 << 30,
		},
		Capacity: CapacityConfig{
			GpuMemory:        8 << 30,
			CpuMemory:        16 << 30,
			GpuCompute:       100,
			CpuCompute:       100,
			NetworkBandwidth: 1 << 30,
			StorageIo:        1 << 30,
		},
		Prediction: PredictionConfig{
			MaxHistory:      1024,
			RefreshInterval: "30s",
		},
		Rebalance: RebalanceConfig{
			Interval:          "5s",
			OverloadThreshold: 0.8,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dreamHome(), "audit.db"),
		},
		Agents: []AgentConfig{
			{
				Kind:              "interface_llm",
				ModelName:         "default",
				PriorityDefault:   "medium",
				WorkerConcurrency: 4,
				MaxQueue:          1000,
				TaskTimeout:       "5m",
			},
		},
	}
}

// Load reads config from path, falling back to DefaultConfig when the
// file does not exist.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(dreamHome(), "config.toml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = filepath.Join(dreamHome(), "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func dreamHome() string {
	if env := os.Getenv("DREAM_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dream")
}

// ParsePriority maps a TOML priority_default string onto agent.Priority.
func ParsePriority(s string) (agent.Priority, error) {
	switch s {
	case "", "critical":
		return agent.PriorityCritical, nil
	case "high":
		return agent.PriorityHigh, nil
	case "medium":
		return agent.PriorityMedium, nil
	case "low":
		return agent.PriorityLow, nil
	case "background":
		return agent.PriorityBackground, nil
	default:
		return 0, fmt.Errorf("unknown priority_default %q", s)
	}
}

// ParseKind maps a TOML kind string onto agent.AgentKind.
func ParseKind(s string) (agent.AgentKind, error) {
	switch s {
	case "interface_llm":
		return agent.InterfaceLlm, nil
	case "knowledge_llm":
		return agent.KnowledgeLlm, nil
	case "reasoning":
		return agent.Reasoning, nil
	case "embodied":
		return agent.Embodied, nil
	default:
		return 0, fmt.Errorf("unknown agent kind %q", s)
	}
}

// ParseResourceKind maps a TOML resource kind string onto agent.ResourceKind.
func ParseResourceKind(s string) (agent.ResourceKind, error) {
	switch s {
	case "gpu_memory":
		return agent.GpuMemory, nil
	case "cpu_memory":
		return agent.CpuMemory, nil
	case "gpu_compute":
		return agent.GpuCompute, nil
	case "cpu_compute":
		return agent.CpuCompute, nil
	case "network_bandwidth":
		return agent.NetworkBandwidth, nil
	case "storage_io":
		return agent.StorageIo, nil
	default:
		return 0, fmt.Errorf("unknown resource kind %q", s)
	}
}

// Capacities resolves the [capacity] table into the array shape the
// Resource Accountant's Config expects.
func (c CapacityConfig) Capacities() [agent.NumResourceKinds]uint64 {
	var out [agent.NumResourceKinds]uint64
	out[agent.GpuMemory] = c.GpuMemory
	out[agent.CpuMemory] = c.CpuMemory
	out[agent.GpuCompute] = c.GpuCompute
	out[agent.CpuCompute] = c.CpuCompute
	out[agent.NetworkBandwidth] = c.NetworkBandwidth
	out[agent.StorageIo] = c.StorageIo
	return out
}

// Resources resolves an AgentConfig's declared [[agent.resources]] rows
// into []agent.ResourceRequirement.
func (a AgentConfig) Resources() ([]agent.ResourceRequirement, error) {
	out := make([]agent.ResourceRequirement, 0, len(a.Resources))
	for _, r := range a.Resources {
		kind, err := ParseResourceKind(r.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, agent.ResourceRequirement{
			Kind:               kind,
			Amount:             r.Amount,
			UtilizationCeiling: r.UtilizationCeiling,
		})
	}
	return out, nil
}

// Duration parses a TOML duration string (e.g. "5m", "30s"), falling back
// to def when s is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
