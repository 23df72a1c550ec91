package streamjob

import (
	"strings"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/usage"
)

type Config struct {
	// SubsidizedProvider is the provider name billed to the platform key.
	SubsidizedProvider string
	DailyLimitCents    float64
	// ProbeCents is the fixed reservation taken before a subsidized job starts.
	ProbeCents float64

	StaleAfter         time.Duration
	ProviderTimeout    time.Duration
	CheckpointEvery    int
	CancelPollInterval time.Duration
	HeartbeatInterval  time.Duration
	FanoutBatchSize    int
	FanoutBatchWindow  time.Duration

	Rates usage.Rates
}

func (c Config) withDefaults() Config {
	if c.ProbeCents <= 0 {
		c.ProbeCents = 1
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 5 * time.Minute
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 5
	}
	if c.CancelPollInterval < 200*time.Millisecond {
		c.CancelPollInterval = 200 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.StaleAfter / 4
	}
	if c.FanoutBatchSize <= 0 {
		c.FanoutBatchSize = 10
	}
	if c.FanoutBatchWindow <= 0 {
		c.FanoutBatchWindow = 50 * time.Millisecond
	}
	return c
}

func (c Config) isSubsidized(provider string) bool {
	return c.SubsidizedProvider != "" && strings.EqualFold(strings.TrimSpace(provider), c.SubsidizedProvider)
}
