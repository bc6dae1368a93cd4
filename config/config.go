package config

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system configuration
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// DBConfig database configuration, only postgres is supported
type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig logging configuration
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// NatsConfig WTP message bus
type NatsConfig struct {
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	PendingTTL int    `yaml:"pending_ttl"` // seconds
}

// SlicingConfig parameters of the QoS slicing loop. The mapstructure tags
// follow the keys accepted in the params map of a running service.
type SlicingConfig struct {
	Enabled             bool              `yaml:"enabled" mapstructure:"enabled"`
	SSID                string            `yaml:"ssid" mapstructure:"ssid"`
	Every               int               `yaml:"every" mapstructure:"every"` // ms
	ActivationThreshold uint32            `yaml:"activation_threshold" mapstructure:"activation_threshold"`
	IndividualThreshold uint32            `yaml:"individual_threshold" mapstructure:"individual_threshold"`
	TotalQuantum        float64           `yaml:"total_quantum" mapstructure:"total_quantum"`
	PriorityUnits       map[uint8]float64 `yaml:"priority_units" mapstructure:"priority_units"`
	CycleDeadline       int               `yaml:"cycle_deadline" mapstructure:"cycle_deadline"` // ms, 0 waits for every device
	PushWorkers         int               `yaml:"push_workers" mapstructure:"push_workers"`
	SliceDB             string            `yaml:"slice_db" mapstructure:"slice_db"`
	AuditDays           int               `yaml:"audit_days" mapstructure:"audit_days"`
}

// Period returns the loop period.
func (c SlicingConfig) Period() time.Duration {
	return time.Duration(c.Every) * time.Millisecond
}

func (c SlicingConfig) Deadline() time.Duration {
	return time.Duration(c.CycleDeadline) * time.Millisecond
}

// Validate checks the settings the slicing loop relies on.
func (c SlicingConfig) Validate() error {
	if c.Every <= 0 {
		return fmt.Errorf("slicing.every must be positive, got %d", c.Every)
	}
	if c.IndividualThreshold <= c.ActivationThreshold {
		return fmt.Errorf("slicing.individual_threshold (%d) must be above activation_threshold (%d)",
			c.IndividualThreshold, c.ActivationThreshold)
	}
	if c.TotalQuantum <= 0 {
		return fmt.Errorf("slicing.total_quantum must be positive, got %v", c.TotalQuantum)
	}
	for g, u := range c.PriorityUnits {
		if u <= 0 {
			return fmt.Errorf("slicing.priority_units[%d] must be positive, got %v", g, u)
		}
	}
	if c.CycleDeadline < 0 {
		return fmt.Errorf("slicing.cycle_deadline must not be negative")
	}
	return nil
}

type AppConfig struct {
	System   SysConfig     `yaml:"system"`
	Database DBConfig      `yaml:"database"`
	Logger   LogConfig     `yaml:"logger"`
	Nats     NatsConfig    `yaml:"nats"`
	Slicing  SlicingConfig `yaml:"slicing"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetSliceDBPath() string {
	if c.Slicing.SliceDB != "" {
		return c.Slicing.SliceDB
	}
	return path.Join(c.GetDataDir(), "slices.db")
}

// InitDirs creates the working directories
func (c *AppConfig) InitDirs() error {
	for _, dir := range []string{c.GetLogDir(), c.GetDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "ToughQoS",
		Location: "Asia/Shanghai",
		Workdir:  "/var/toughqos",
		Debug:    true,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "toughqos",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  20,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/toughqos/logs/toughqos.log",
	},
	Nats: NatsConfig{
		URL:        "nats://127.0.0.1:4222",
		Prefix:     "empower",
		PendingTTL: 30,
	},
	Slicing: DefaultSlicingConfig(),
}

// DefaultSlicingConfig reference loop settings.
func DefaultSlicingConfig() SlicingConfig {
	return SlicingConfig{
		Enabled:             true,
		SSID:                "EmPOWER",
		Every:               2000,
		ActivationThreshold: 200,
		IndividualThreshold: 600,
		TotalQuantum:        10000,
		PriorityUnits: map[uint8]float64{
			8:  0.5,
			0:  1,
			24: 1.5,
			32: 2,
			46: 3,
			48: 4,
		},
		PushWorkers: 16,
		AuditDays:   30,
	}
}

// DecodeSlicingParams overlays a loose params map, as handed over by a service
// registry, on base. Numbers given as strings are accepted.
func DecodeSlicingParams(base SlicingConfig, params map[string]interface{}) (SlicingConfig, error) {
	out := base
	if base.PriorityUnits != nil {
		out.PriorityUnits = make(map[uint8]float64, len(base.PriorityUnits))
		for k, v := range base.PriorityUnits {
			out.PriorityUnits[k] = v
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return base, err
	}
	if err := decoder.Decode(params); err != nil {
		return base, fmt.Errorf("invalid slicing params: %w", err)
	}
	return out, out.Validate()
}

// LoadConfig reads file, falling back to the defaults when it does not exist,
// then applies the TOUGHQOS_* environment overrides.
func LoadConfig(file string) (*AppConfig, error) {
	cfg := *DefaultAppConfig
	cfg.Slicing = DefaultSlicingConfig()
	if file == "" {
		file = "toughqos.yml"
	}
	if data, err := os.ReadFile(file); err == nil {
		// A priority_units section replaces the default table instead of merging into it.
		cfg.Slicing.PriorityUnits = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
		if cfg.Slicing.PriorityUnits == nil {
			cfg.Slicing.PriorityUnits = DefaultSlicingConfig().PriorityUnits
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	setEnvValue("TOUGHQOS_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("TOUGHQOS_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("TOUGHQOS_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("TOUGHQOS_DB_HOST", &cfg.Database.Host)
	setEnvValue("TOUGHQOS_DB_NAME", &cfg.Database.Name)
	setEnvValue("TOUGHQOS_DB_USER", &cfg.Database.User)
	setEnvValue("TOUGHQOS_DB_PWD", &cfg.Database.Passwd)
	setEnvIntValue("TOUGHQOS_DB_PORT", &cfg.Database.Port)
	setEnvBoolValue("TOUGHQOS_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("TOUGHQOS_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("TOUGHQOS_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvValue("TOUGHQOS_NATS_URL", &cfg.Nats.URL)
	setEnvValue("TOUGHQOS_NATS_PREFIX", &cfg.Nats.Prefix)

	setEnvBoolValue("TOUGHQOS_SLICING_ENABLED", &cfg.Slicing.Enabled)
	setEnvValue("TOUGHQOS_SLICING_SSID", &cfg.Slicing.SSID)
	setEnvIntValue("TOUGHQOS_SLICING_EVERY", &cfg.Slicing.Every)
	setEnvUint32Value("TOUGHQOS_SLICING_ACTIVATION_THRESHOLD", &cfg.Slicing.ActivationThreshold)
	setEnvUint32Value("TOUGHQOS_SLICING_INDIVIDUAL_THRESHOLD", &cfg.Slicing.IndividualThreshold)
	setEnvIntValue("TOUGHQOS_SLICING_CYCLE_DEADLINE", &cfg.Slicing.CycleDeadline)

	if err := cfg.Slicing.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setEnvValue(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToInt(v)
	}
}

func setEnvUint32Value(name string, val *uint32) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToUint32(v)
	}
}
