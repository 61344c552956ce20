package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the coordinator and executor share, plus
// the knobs specific to each. One YAML file is enough for both
// binaries; each reads only the section it needs.
type Config struct {
	// Coordinator.
	CoordinatorHost    string        `yaml:"coordinator_host"`
	CoordinatorPort    int           `yaml:"coordinator_port"`
	DatabaseDSN        string        `yaml:"database_dsn"`
	WorkerAckTimeout   time.Duration `yaml:"worker_ack_timeout"`
	TaskCheckCycle     time.Duration `yaml:"task_check_cycle"`
	MinWorkerNodeVersion string      `yaml:"min_worker_node_version"`

	// Executor.
	WorkerHost     string `yaml:"worker_host"`
	WorkerPort     int    `yaml:"worker_port"`
	ProcessorNum   int    `yaml:"processor_num"`
	UpdateCycle    time.Duration `yaml:"update_cycle"`
	JournalPath    string `yaml:"journal_path"`
	SandboxBackend string `yaml:"sandbox_backend"` // "process" or "containerd"
	InterpreterPath string `yaml:"interpreter_path"`
	ContainerdSocket    string `yaml:"containerd_socket"`
	ContainerdNamespace string `yaml:"containerd_namespace"`
	ContainerImage      string `yaml:"container_image"`
	TickAdapterPath     string `yaml:"tick_adapter_path"` // external tick-ingestion script, out of scope for this system

	// Shared.
	TickLength   int  `yaml:"tick_length"`
	FactorLength int  `yaml:"factor_length"`
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// Default returns the configuration the spec names as defaults for
// every knob a flag or file doesn't override.
func Default() Config {
	return Config{
		CoordinatorHost:      "0.0.0.0",
		CoordinatorPort:      8080,
		DatabaseDSN:          "sqlite://factorial.db",
		WorkerAckTimeout:     30 * time.Second,
		TaskCheckCycle:       10 * time.Second,
		MinWorkerNodeVersion: "0.1.0",

		WorkerHost:      "0.0.0.0",
		WorkerPort:      9090,
		ProcessorNum:    4,
		UpdateCycle:     10 * time.Second,
		JournalPath:     "factorial-executor.db",
		SandboxBackend:  "process",
		InterpreterPath: "python3",
		ContainerdSocket:    "/run/containerd/containerd.sock",
		ContainerdNamespace: "factorial",
		ContainerImage:      "factorial-sandbox:latest",
		TickAdapterPath:     "",

		TickLength:   4740,
		FactorLength: 4740,
		LogLevel:     "info",
		LogJSON:      true,
		MetricsAddr:  ":9100",
	}
}

// Load reads path (if non-empty) over the defaults. A missing file is
// not an error: callers running entirely off flags pass "".
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// BindCoordinatorFlags registers the coordinator-relevant flags on fs,
// backed by cfg's current values (usually just loaded from file) so
// flags only override what the operator explicitly passes.
func BindCoordinatorFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.CoordinatorHost, "host", cfg.CoordinatorHost, "coordinator bind host")
	fs.IntVar(&cfg.CoordinatorPort, "port", cfg.CoordinatorPort, "coordinator bind port")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "metadata store DSN (sqlite://path or postgres://...)")
	fs.DurationVar(&cfg.WorkerAckTimeout, "worker-ack-timeout", cfg.WorkerAckTimeout, "worker liveness timeout")
	fs.DurationVar(&cfg.TaskCheckCycle, "task-check-cycle", cfg.TaskCheckCycle, "scheduling loop cadence")
	fs.StringVar(&cfg.MinWorkerNodeVersion, "min-worker-version", cfg.MinWorkerNodeVersion, "minimum accepted worker version")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "prometheus metrics listen address")
}

// BindExecutorFlags registers the executor-relevant flags on fs.
func BindExecutorFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.WorkerHost, "host", cfg.WorkerHost, "executor bind host")
	fs.IntVar(&cfg.WorkerPort, "port", cfg.WorkerPort, "executor bind port")
	fs.StringVar(&cfg.CoordinatorHost, "coordinator-host", cfg.CoordinatorHost, "coordinator host to register with")
	fs.IntVar(&cfg.CoordinatorPort, "coordinator-port", cfg.CoordinatorPort, "coordinator port to register with")
	fs.IntVar(&cfg.ProcessorNum, "processor-num", cfg.ProcessorNum, "process pool size")
	fs.DurationVar(&cfg.UpdateCycle, "update-cycle", cfg.UpdateCycle, "heartbeat send cadence")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "local bbolt journal path")
	fs.StringVar(&cfg.SandboxBackend, "sandbox-backend", cfg.SandboxBackend, "unit sandbox backend: process or containerd")
	fs.StringVar(&cfg.InterpreterPath, "interpreter-path", cfg.InterpreterPath, "interpreter binary for the process sandbox")
	fs.StringVar(&cfg.ContainerdSocket, "containerd-socket", cfg.ContainerdSocket, "containerd socket path for the containerd sandbox")
	fs.StringVar(&cfg.ContainerdNamespace, "containerd-namespace", cfg.ContainerdNamespace, "containerd namespace for the containerd sandbox")
	fs.StringVar(&cfg.ContainerImage, "container-image", cfg.ContainerImage, "container image reference for the containerd sandbox")
	fs.StringVar(&cfg.TickAdapterPath, "tick-adapter-path", cfg.TickAdapterPath, "external tick-ingestion script path (out of scope: an external collaborator)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "prometheus metrics listen address")
}
