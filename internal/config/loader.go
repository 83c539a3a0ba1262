package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	recoverability "github.com/DarlingtonDeveloper/swarm-recoverability"
)

// Load reads configuration from a YAML file. A .env file next to it is
// loaded first, without overriding variables already set, so ${VAR}
// references in the YAML can come from either.
func Load(path string) (*AppConfig, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Database.ConnectAttempts == 0 {
		cfg.Database.ConnectAttempts = 5
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 30 * time.Second
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = recoverability.DefaultSubjectPrefix
	}
	if cfg.NATS.QueueGroup == "" {
		cfg.NATS.QueueGroup = "recoverd"
	}
	if cfg.NATS.EventPrefix == "" {
		cfg.NATS.EventPrefix = cfg.NATS.SubjectPrefix + ".events"
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = recoverability.DefaultSubjectPrefix
	}
	if cfg.Redis.ProgressTTL == 0 {
		cfg.Redis.ProgressTTL = 7 * 24 * time.Hour
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
		if cfg.Logging.File != "" {
			cfg.Logging.Format = "json"
		}
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}

	d := recoverability.DefaultConfig()
	e := &cfg.Engine
	if e.ChunkSize == 0 {
		e.ChunkSize = d.ChunkSize
	}
	if e.DispatchConcurrency == 0 {
		e.DispatchConcurrency = d.DispatchConcurrency
	}
	if e.DispatchBurst == 0 {
		e.DispatchBurst = d.DispatchBurst
	}
	if e.MessageTimeout == 0 {
		e.MessageTimeout = d.MessageTimeout
	}
	if e.ConflictRetries == 0 {
		e.ConflictRetries = d.ConflictRetries
	}
	if e.AttemptHistoryDepth == 0 {
		e.AttemptHistoryDepth = d.AttemptHistoryDepth
	}
	if e.QueryPageSize == 0 {
		e.QueryPageSize = d.QueryPageSize
	}
	if e.SweepInterval == 0 {
		e.SweepInterval = d.SweepInterval
	}
	if e.StallTimeout == 0 {
		e.StallTimeout = d.StallTimeout
	}
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = e.StallTimeout / 3
	}
	if e.ReplicaID == "" {
		e.ReplicaID, _ = os.Hostname()
	}
	if len(e.Classifiers) == 0 {
		e.Classifiers = append([]string(nil), recoverability.DefaultRuleNames...)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("classifier", func(fl validator.FieldLevel) bool {
		_, err := recoverability.NewClassifierFromNames([]string{fl.Field().String()})
		return err == nil
	})
	return v
}

// Validate checks a loaded configuration.
func Validate(cfg *AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
