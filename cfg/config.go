package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics. Metrics are served by the admin
// listener at /metrics.
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"` // Lock table gauge sampling period
}

// AdminConfiguration for the diagnostics HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	PatternSize int    `toml:"pattern_cache_size"` // Compiled glob patterns kept in memory
	Secret      string `toml:"secret"`             // Shared secret for admin requests, empty disables auth
}

// LockConfiguration controls the lock table and hierarchy
type LockConfiguration struct {
	WaitTimeoutMS int    `toml:"wait_timeout_ms"` // Per-request wait bound applied by callers, 0 = wait forever
	RootName      string `toml:"root_name"`       // Name of the hierarchy root resource
}

// WorkloadConfiguration drives the synthetic transaction generator
type WorkloadConfiguration struct {
	Enabled        bool    `toml:"enabled"`
	Transactions   int     `toml:"transactions"`
	Workers        int     `toml:"workers"`
	Tables         int     `toml:"tables"`
	PagesPerTable  int     `toml:"pages_per_table"`
	RecordsPerPage int     `toml:"records_per_page"`
	OpsPerTxn      int     `toml:"ops_per_txn"`
	WriteRatio     float64 `toml:"write_ratio"`   // Fraction of operations requesting X
	MemoryBudget   int     `toml:"memory_budget"` // Locks under one table before escalating
	Seed           uint64  `toml:"seed"`          // 0 = derive from clock
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Lock       LockConfiguration       `toml:"lock"`
	Workload   WorkloadConfiguration   `toml:"workload"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	WorkloadFlag   = flag.Bool("workload", false, "Run the synthetic workload (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a fresh copy of the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		NodeID: 0, // Auto-generate

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:           true,
			CollectIntervalMS: 1000,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8090,
			PatternSize: 128,
		},

		Lock: LockConfiguration{
			WaitTimeoutMS: 5000,
			RootName:      "database",
		},

		Workload: WorkloadConfiguration{
			Enabled:        false,
			Transactions:   1000,
			Workers:        8,
			Tables:         4,
			PagesPerTable:  16,
			RecordsPerPage: 32,
			OpsPerTxn:      4,
			WriteRatio:     0.2,
			MemoryBudget:   8,
		},
	}
}

func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *WorkloadFlag {
		Config.Workload.Enabled = true
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("mglock")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

func Validate() error {
	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Admin.PatternSize < 1 {
		return fmt.Errorf("admin pattern cache size must be >= 1")
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalMS < 1 {
		return fmt.Errorf("prometheus collect interval must be >= 1ms")
	}

	if Config.Lock.WaitTimeoutMS < 0 {
		return fmt.Errorf("lock wait timeout must be >= 0")
	}

	if Config.Lock.RootName == "" {
		return fmt.Errorf("lock root name must not be empty")
	}
	if strings.ContainsAny(Config.Lock.RootName, "/\x1f") {
		return fmt.Errorf("lock root name %q must be a single path segment", Config.Lock.RootName)
	}

	w := Config.Workload
	if w.WriteRatio < 0 || w.WriteRatio > 1 {
		return fmt.Errorf("workload write ratio must be within [0, 1], got %v", w.WriteRatio)
	}

	if w.Enabled {
		sizes := []struct {
			name string
			v    int
		}{
			{"transactions", w.Transactions},
			{"workers", w.Workers},
			{"tables", w.Tables},
			{"pages_per_table", w.PagesPerTable},
			{"records_per_page", w.RecordsPerPage},
			{"ops_per_txn", w.OpsPerTxn},
			{"memory_budget", w.MemoryBudget},
		}
		for _, s := range sizes {
			if s.v < 1 {
				return fmt.Errorf("workload %s must be >= 1", s.name)
			}
		}

		// Concurrent writers deadlock without a wait bound
		if Config.Lock.WaitTimeoutMS == 0 {
			return fmt.Errorf("workload requires lock wait_timeout_ms > 0")
		}
	}

	return nil
}

// LockWaitTimeout returns the configured wait bound, 0 meaning unbounded.
func LockWaitTimeout() time.Duration {
	return time.Duration(Config.Lock.WaitTimeoutMS) * time.Millisecond
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret.
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

func GetAdminSecret() string {
	return Config.Admin.Secret
}

// AdminAddress returns the host:port the admin server listens on.
func AdminAddress() string {
	return fmt.Sprintf("%s:%d", Config.Admin.BindAddress, Config.Admin.Port)
}
