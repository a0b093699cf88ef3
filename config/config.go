// Package config loads and hot-reloads the orchestrator's YAML configuration.
//
// The file carries tuning for every subsystem (scheduler cadence, isolation
// retry budget, arbiter floor, broker and database endpoints) plus the
// administrative overrides that may change while the orchestrator runs:
// per-class severity thresholds and per-device criticality tiers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/arbiter"
	"github.com/twinguard/twinguard/isolation"
	"github.com/twinguard/twinguard/mqttfeed"
	"github.com/twinguard/twinguard/netquarantine"
	"github.com/twinguard/twinguard/scheduler"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Isolation IsolationConfig `yaml:"isolation"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Audit     AuditConfig     `yaml:"audit"`
	Classes   []ClassConfig   `yaml:"classes"`
	// CriticalityOverrides pins individual devices to a criticality tier,
	// taking precedence over their class default. Keyed by device id.
	CriticalityOverrides map[string]string `yaml:"criticality_overrides"`
}

type SchedulerConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxDevices  int      `yaml:"max_devices"`
	Workers     int      `yaml:"workers"`
	MaxOverlap  int      `yaml:"max_overlap"`
	FailedAfter int      `yaml:"failed_after"`
}

type IsolationConfig struct {
	ActionTimeout   Duration `yaml:"action_timeout"`
	IsolateAttempts int      `yaml:"isolate_attempts"`
	LatencyBudget   Duration `yaml:"latency_budget"`
	// Command templates driving the site's network enforcement tooling; each
	// element may carry the {device} placeholder. ShapeCommand is optional:
	// leaving it empty declares that no traffic-shaping tier exists.
	IsolateCommand []string `yaml:"isolate_command"`
	RestoreCommand []string `yaml:"restore_command"`
	ShapeCommand   []string `yaml:"shape_command"`
}

type ArbiterConfig struct {
	UptimeFloor   float64 `yaml:"uptime_floor"`
	Window        int     `yaml:"window"`
	ShapingViable bool    `yaml:"shaping_viable"`
}

// PubSubConfig holds the driver URLs the gocloud.dev pubsub layer opens, e.g.
// "mem://telemetry" in tests or a broker-specific scheme in production.
type PubSubConfig struct {
	// Telemetry is the subscription delivering normalised samples.
	Telemetry string `yaml:"telemetry"`
	// Twins, Alerts and Audit are the topics the orchestrator publishes to.
	Twins  string `yaml:"twins"`
	Alerts string `yaml:"alerts"`
	Audit  string `yaml:"audit"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicFilter string `yaml:"topic_filter"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// AuditConfig points at the Neo4j instance backing the audit trail.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ClassConfig registers or overrides one device class profile.
type ClassConfig struct {
	Class              string                       `yaml:"class"`
	Criticality        string                       `yaml:"criticality"`
	Thresholds         twinguard.SeverityThresholds `yaml:"thresholds"`
	MinLearningSamples int                          `yaml:"min_learning_samples"`
	MinLearningPeriod  Duration                     `yaml:"min_learning_period"`
	DesyncTolerance    int                          `yaml:"desync_tolerance"`
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PubSub.Telemetry == "" {
		c.PubSub.Telemetry = "mem://telemetry"
	}
	if c.PubSub.Twins == "" {
		c.PubSub.Twins = "mem://twins"
	}
	if c.PubSub.Alerts == "" {
		c.PubSub.Alerts = "mem://alerts"
	}
	if c.Audit.Database == "" {
		c.Audit.Database = "twinguard"
	}
	// Subsystem structs default themselves (see each package's applyDefaults),
	// so zero values here are fine.
}

func (c *Config) validate() error {
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Audit.Enabled && c.Audit.URI == "" {
		return fmt.Errorf("audit.uri is required when the audit trail is enabled")
	}
	if len(c.Isolation.IsolateCommand) == 0 || len(c.Isolation.RestoreCommand) == 0 {
		return fmt.Errorf("isolation.isolate_command and isolation.restore_command are required")
	}
	if f := c.Arbiter.UptimeFloor; f < 0 || f > 1 {
		return fmt.Errorf("arbiter.uptime_floor must be within [0, 1], got %v", f)
	}
	for _, class := range c.Classes {
		if class.Class == "" {
			return fmt.Errorf("classes entries require a class name")
		}
		if t := class.Thresholds; t != (twinguard.SeverityThresholds{}) && !t.Valid() {
			return fmt.Errorf("class %q: thresholds must satisfy 0 < medium <= high <= critical <= 1", class.Class)
		}
		if _, err := parseCriticality(class.Criticality); err != nil {
			return fmt.Errorf("class %q: %w", class.Class, err)
		}
	}
	for id, tier := range c.CriticalityOverrides {
		if _, err := parseCriticality(tier); err != nil {
			return fmt.Errorf("criticality override for %q: %w", id, err)
		}
	}
	return nil
}

// SchedulerConfig converts to the scheduler package's configuration.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Interval:    time.Duration(c.Scheduler.Interval),
		MaxDevices:  c.Scheduler.MaxDevices,
		Workers:     c.Scheduler.Workers,
		MaxOverlap:  c.Scheduler.MaxOverlap,
		FailedAfter: c.Scheduler.FailedAfter,
	}
}

// IsolationConfig converts to the isolation package's configuration.
func (c *Config) IsolationConfig() isolation.Config {
	return isolation.Config{
		ActionTimeout:   time.Duration(c.Isolation.ActionTimeout),
		IsolateAttempts: c.Isolation.IsolateAttempts,
		LatencyBudget:   time.Duration(c.Isolation.LatencyBudget),
	}
}

// ArbiterConfig converts to the arbiter package's configuration.
func (c *Config) ArbiterConfig() arbiter.Config {
	return arbiter.Config{
		UptimeFloor:   c.Arbiter.UptimeFloor,
		Window:        c.Arbiter.Window,
		ShapingViable: c.Arbiter.ShapingViable,
	}
}

// QuarantineCommands converts to the netquarantine package's command set.
func (c *Config) QuarantineCommands() netquarantine.Commands {
	return netquarantine.Commands{
		Isolate: c.Isolation.IsolateCommand,
		Restore: c.Isolation.RestoreCommand,
		Shape:   c.Isolation.ShapeCommand,
	}
}

// MQTTFeedConfig converts to the mqttfeed package's configuration.
func (c *Config) MQTTFeedConfig() mqttfeed.Config {
	return mqttfeed.Config{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicFilter: c.MQTT.TopicFilter,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
	}
}

// RegisterClasses applies the per-class profile entries to the class registry.
// Entries replace whole profiles, so a reload picks up threshold changes for
// all subsequent classifications (existing anomalies keep the classification
// they were created with).
func (c *Config) RegisterClasses() error {
	for _, entry := range c.Classes {
		profile := twinguard.ProfileOf(twinguard.DeviceClass(entry.Class))
		if entry.Criticality != "" {
			tier, err := parseCriticality(entry.Criticality)
			if err != nil {
				return fmt.Errorf("class %q: %w", entry.Class, err)
			}
			profile.DefaultCriticality = tier
		}
		if entry.Thresholds != (twinguard.SeverityThresholds{}) {
			profile.Thresholds = entry.Thresholds
		}
		if entry.MinLearningSamples > 0 {
			profile.MinLearningSamples = entry.MinLearningSamples
		}
		if d := time.Duration(entry.MinLearningPeriod); d > 0 {
			profile.MinLearningPeriod = d
		}
		if entry.DesyncTolerance > 0 {
			profile.DesyncTolerance = entry.DesyncTolerance
		}
		twinguard.RegisterClass(profile)
	}
	return nil
}

// DeviceOverrides returns the parsed per-device criticality overrides.
func (c *Config) DeviceOverrides() (map[twinguard.DeviceID]twinguard.Criticality, error) {
	overrides := make(map[twinguard.DeviceID]twinguard.Criticality, len(c.CriticalityOverrides))
	for id, tier := range c.CriticalityOverrides {
		parsed, err := parseCriticality(tier)
		if err != nil {
			return nil, fmt.Errorf("criticality override for %q: %w", id, err)
		}
		overrides[twinguard.DeviceID(id)] = parsed
	}
	return overrides, nil
}

// parseCriticality maps the YAML spelling onto a tier. The empty string means
// "keep the current tier" and parses as STANDARD for overrides that omit it.
func parseCriticality(s string) (twinguard.Criticality, error) {
	switch s {
	case "", "STANDARD":
		return twinguard.Standard, nil
	case "HIGH":
		return twinguard.High, nil
	case "LIFE_CRITICAL":
		return twinguard.LifeCritical, nil
	}
	return twinguard.Standard, fmt.Errorf("unknown criticality %q (want STANDARD, HIGH, or LIFE_CRITICAL)", s)
}

// Duration parses from the human spelling ("500ms", "15m") rather than
// integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
