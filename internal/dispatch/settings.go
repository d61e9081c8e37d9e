package dispatch

import (
	"fmt"
	"time"

	"dispatchd/internal/config"
)

const (
	defaultLimit        = 1
	defaultRecoveredPri = 100
	defaultFallbackPoll = 30 * time.Second
)

// Settings is the controller's effective queue configuration, derived from
// the raw config section. A limit of 0 means unlimited.
type Settings struct {
	Enabled           bool
	DefaultLimit      int
	Limits            map[string]int
	RecoveredPriority int
	FallbackPoll      time.Duration
}

func SettingsFromConfig(qc config.QueueConfig) (Settings, error) {
	s := Settings{
		Enabled:           qc.Enabled,
		DefaultLimit:      qc.DefaultLimit,
		RecoveredPriority: qc.RecoveredPriority,
	}
	if s.DefaultLimit < 0 {
		return s, fmt.Errorf("queue.default_limit: must be >= 0, got %d", qc.DefaultLimit)
	}
	if s.DefaultLimit == 0 {
		s.DefaultLimit = defaultLimit
	}
	if len(qc.Limits) > 0 {
		s.Limits = make(map[string]int, len(qc.Limits))
		for typ, n := range qc.Limits {
			if n < 0 {
				return s, fmt.Errorf("queue.limits[%s]: must be >= 0, got %d", typ, n)
			}
			s.Limits[typ] = n
		}
	}
	if s.RecoveredPriority < 0 {
		return s, fmt.Errorf("queue.recovered_priority: must be >= 0, got %d", qc.RecoveredPriority)
	}
	if s.RecoveredPriority == 0 {
		s.RecoveredPriority = defaultRecoveredPri
	}
	poll, err := config.ParseDurationOrDefault("queue.fallback_poll", qc.FallbackPoll, defaultFallbackPoll)
	if err != nil {
		return s, err
	}
	s.FallbackPoll = poll
	return s, nil
}

// LimitFor returns the concurrency limit for an executor type.
// An explicit 0 in the limits map means unlimited.
func (s Settings) LimitFor(executorType string) int {
	if n, ok := s.Limits[executorType]; ok {
		return n
	}
	return s.DefaultLimit
}
