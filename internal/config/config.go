package config

import (
	"time"

	recoverability "github.com/DarlingtonDeveloper/swarm-recoverability"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"         validate:"min=1,max=65535"`
	MetricsPort     int           `yaml:"metrics_port" validate:"min=1,max=65535,nefield=Port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"              validate:"required"`
	MaxConns        int           `yaml:"max_conns"        validate:"min=1"`
	ConnectAttempts int           `yaml:"connect_attempts" validate:"min=1"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// NATSConfig holds broker settings.
type NATSConfig struct {
	URL           string `yaml:"url"            validate:"required"`
	SubjectPrefix string `yaml:"subject_prefix" validate:"required"`
	QueueGroup    string `yaml:"queue_group"    validate:"required"`
	EventPrefix   string `yaml:"event_prefix"   validate:"required"`
	JetStream     bool   `yaml:"jetstream"`
}

// RedisConfig enables the shared progress sink when URL is set.
type RedisConfig struct {
	URL         string        `yaml:"url"`
	KeyPrefix   string        `yaml:"key_prefix"`
	ProgressTTL time.Duration `yaml:"progress_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"  validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file"` // rotated JSON log file; empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EngineConfig holds the recoverability engine tunables. ReplicaID names the
// lease owner of operations this process runs and defaults to the hostname.
type EngineConfig struct {
	ChunkSize           int           `yaml:"chunk_size"            validate:"min=1,max=10000"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"  validate:"min=1"`
	DispatchRate        float64       `yaml:"dispatch_rate"         validate:"min=0"`
	DispatchBurst       int           `yaml:"dispatch_burst"        validate:"min=1"`
	MessageTimeout      time.Duration `yaml:"message_timeout"       validate:"gt=0"`
	ConflictRetries     int           `yaml:"conflict_retries"      validate:"min=1"`
	AttemptHistoryDepth int           `yaml:"attempt_history_depth" validate:"min=1"`
	QueryPageSize       int           `yaml:"query_page_size"       validate:"min=1"`
	SweepInterval       time.Duration `yaml:"sweep_interval"        validate:"min=0"`
	StallTimeout        time.Duration `yaml:"stall_timeout"         validate:"gt=0,gtfield=MessageTimeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"    validate:"gt=0,ltfield=StallTimeout"`
	RetentionPeriod     time.Duration `yaml:"retention_period"      validate:"min=0"` // 0 = keep forever
	ReplicaID           string        `yaml:"replica_id"`
	Classifiers         []string      `yaml:"classifiers"           validate:"min=1,dive,classifier"`
}

// Recoverability converts the engine section into the engine's own Config.
func (e EngineConfig) Recoverability() recoverability.Config {
	return recoverability.Config{
		ChunkSize:           e.ChunkSize,
		DispatchConcurrency: e.DispatchConcurrency,
		DispatchRate:        e.DispatchRate,
		DispatchBurst:       e.DispatchBurst,
		MessageTimeout:      e.MessageTimeout,
		ConflictRetries:     e.ConflictRetries,
		AttemptHistoryDepth: e.AttemptHistoryDepth,
		QueryPageSize:       e.QueryPageSize,
		SweepInterval:       e.SweepInterval,
		StallTimeout:        e.StallTimeout,
		HeartbeatInterval:   e.HeartbeatInterval,
		RetentionPeriod:     e.RetentionPeriod,
	}
}
