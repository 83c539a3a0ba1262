package recoverability

import "time"

// Config holds the engine tunables.
type Config struct {
	// ChunkSize is the maximum number of messages per batch.
	ChunkSize int
	// DispatchConcurrency bounds in-flight sends within one batch.
	DispatchConcurrency int
	// DispatchRate limits sends per second across all operations. Zero disables it.
	DispatchRate  float64
	DispatchBurst int
	// MessageTimeout cuts off a single send; the message is skipped as timed out.
	MessageTimeout time.Duration
	// ConflictRetries bounds reload-and-reapply loops on concurrency conflicts.
	ConflictRetries int
	// AttemptHistoryDepth is the number of processing attempts kept per record.
	AttemptHistoryDepth int
	// QueryPageSize is the page size used when resolving an operation's messages.
	QueryPageSize int

	// SweepInterval is the period of the maintenance sweeper. Zero disables it.
	SweepInterval time.Duration
	// StallTimeout is how long an active operation may go without a
	// heartbeat before another coordinator may take it over.
	StallTimeout time.Duration
	// HeartbeatInterval is how often a running operation refreshes its
	// lease. It must be shorter than StallTimeout; zero means a third of it.
	HeartbeatInterval time.Duration
	// RetentionPeriod expires resolved/archived records and finished
	// operations. Zero keeps them forever.
	RetentionPeriod time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           500,
		DispatchConcurrency: 16,
		DispatchBurst:       1,
		MessageTimeout:      30 * time.Second,
		ConflictRetries:     5,
		AttemptHistoryDepth: 10,
		QueryPageSize:       1000,
		SweepInterval:       time.Minute,
		StallTimeout:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = d.DispatchConcurrency
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = d.DispatchBurst
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = d.ConflictRetries
	}
	if c.AttemptHistoryDepth <= 0 {
		c.AttemptHistoryDepth = d.AttemptHistoryDepth
	}
	if c.QueryPageSize <= 0 {
		c.QueryPageSize = d.QueryPageSize
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.StallTimeout {
		c.HeartbeatInterval = max(c.StallTimeout/3, time.Millisecond)
	}
	return c
}
