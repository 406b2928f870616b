package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Isolation level names accepted in configuration and by SET TRANSACTION
// ISOLATION LEVEL in the scenarios.
const (
	IsolationReadCommitted  = "READ COMMITTED"
	IsolationRepeatableRead = "REPEATABLE READ"
	IsolationSnapshot       = "SNAPSHOT"
	IsolationSerializable   = "SERIALIZABLE"
)

// EngineConfiguration controls transaction and locking behavior
type EngineConfiguration struct {
	DefaultIsolation  string `toml:"default_isolation"`  // Session default isolation level
	LockTimeoutMS     int    `toml:"lock_timeout_ms"`    // -1 waits forever, 0 fails immediately
	XactAbort         bool   `toml:"xact_abort"`         // Doom the transaction on any statement error
	DeadlockDetection bool   `toml:"deadlock_detection"` // Run wait-for cycle detection on blocking acquires
}

// MVCCConfiguration controls version retention
type MVCCConfiguration struct {
	GCIntervalSeconds      int `toml:"gc_interval_seconds"`      // 0 disables background version GC
	ConflictFilterCapacity int `toml:"conflict_filter_capacity"` // Entries in the recent-commit cuckoo filter
}

// CatalogConfiguration controls where table definitions and sample data come from
type CatalogConfiguration struct {
	SchemaFile string `toml:"schema_file"` // Optional TOML schema; empty uses the built-in HRSystem schema
	SampleData bool   `toml:"sample_data"` // Load the HRSystem sample rows on startup
}

// AdminConfiguration for the HTTP introspection API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
	Events  bool   `toml:"events"` // Log every transaction event from the notification hub
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`

	Engine     EngineConfiguration     `toml:"engine"`
	MVCC       MVCCConfiguration       `toml:"mvcc"`
	Catalog    CatalogConfiguration    `toml:"catalog"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	ScenarioFlag   = flag.String("scenario", "", "Run a tutorial scenario by name, or \"all\"")
	DumpFlag       = flag.String("dump", "", "Write a compressed image of the committed state to this path on exit")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate

	Engine: EngineConfiguration{
		DefaultIsolation:  IsolationReadCommitted,
		LockTimeoutMS:     -1,
		XactAbort:         false,
		DeadlockDetection: true,
	},

	MVCC: MVCCConfiguration{
		GCIntervalSeconds:      30,
		ConflictFilterCapacity: 1 << 16,
	},

	Catalog: CatalogConfiguration{
		SchemaFile: "",
		SampleData: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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

	// Apply CLI overrides
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read machine id, falling back to instance id 1")
			Config.InstanceID = 1
		} else {
			log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
		}
	}

	return nil
}

// generateInstanceID creates a stable ID based on the machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("txsandbox")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// NormalizeIsolation upper-cases and collapses whitespace so "read  committed"
// and "READ COMMITTED" compare equal. Returns false for unknown levels.
func NormalizeIsolation(level string) (string, bool) {
	normalized := strings.Join(strings.Fields(strings.ToUpper(level)), " ")
	switch normalized {
	case IsolationReadCommitted, IsolationRepeatableRead, IsolationSnapshot, IsolationSerializable:
		return normalized, true
	}
	return "", false
}

// Validate checks configuration for errors
func Validate() error {
	level, ok := NormalizeIsolation(Config.Engine.DefaultIsolation)
	if !ok {
		return fmt.Errorf("invalid default isolation level: %q", Config.Engine.DefaultIsolation)
	}
	Config.Engine.DefaultIsolation = level

	if Config.Engine.LockTimeoutMS < -1 {
		return fmt.Errorf("lock timeout must be >= -1 (got %d)", Config.Engine.LockTimeoutMS)
	}

	if Config.MVCC.GCIntervalSeconds < 0 {
		return fmt.Errorf("MVCC GC interval must be >= 0")
	}

	if Config.MVCC.ConflictFilterCapacity < 1024 {
		return fmt.Errorf("conflict filter capacity must be >= 1024")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	if Config.Catalog.SchemaFile != "" {
		if _, err := os.Stat(Config.Catalog.SchemaFile); err != nil {
			return fmt.Errorf("schema file not accessible: %w", err)
		}
	}

	return nil
}

// IsAdminAuthEnabled returns true if the admin API requires a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}
