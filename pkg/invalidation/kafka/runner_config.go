package kafka

import "time"

type InvalidationConfig struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	// DedupeSize bounds the number of session versions remembered.
	DedupeSize int
}

func (c InvalidationConfig) withDefaults() InvalidationConfig {
	if c.Topic == "" {
		c.Topic = "session-invalidation"
	}
	if c.GroupID == "" {
		c.GroupID = "apexanalyst-invalidator"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 8192
	}
	return c
}
