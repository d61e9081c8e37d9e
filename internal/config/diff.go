package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dispatchd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging the new effective values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Queue (admission limits)
	if oldCfg.Queue.Enabled != newCfg.Queue.Enabled ||
		oldCfg.Queue.DefaultLimit != newCfg.Queue.DefaultLimit ||
		!reflect.DeepEqual(oldCfg.Queue.Limits, newCfg.Queue.Limits) ||
		oldCfg.Queue.RecoveredPriority != newCfg.Queue.RecoveredPriority ||
		strings.TrimSpace(oldCfg.Queue.FallbackPoll) != strings.TrimSpace(newCfg.Queue.FallbackPoll) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.Queue.Enabled),
			logx.Int("queue.default_limit", newCfg.Queue.DefaultLimit),
			logx.Int("queue.limit_overrides", len(newCfg.Queue.Limits)),
			logx.Int("queue.recovered_priority", newCfg.Queue.RecoveredPriority),
			logx.String("queue.fallback_poll", strings.TrimSpace(newCfg.Queue.FallbackPoll)),
		)
	}

	// Executor
	if strings.TrimSpace(oldCfg.Executor.Command) != strings.TrimSpace(newCfg.Executor.Command) ||
		!reflect.DeepEqual(oldCfg.Executor.Args, newCfg.Executor.Args) ||
		strings.TrimSpace(oldCfg.Executor.StopGrace) != strings.TrimSpace(newCfg.Executor.StopGrace) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.command", strings.TrimSpace(newCfg.Executor.Command)),
			logx.Int("executor.arg_count", len(newCfg.Executor.Args)),
			logx.String("executor.stop_grace", strings.TrimSpace(newCfg.Executor.StopGrace)),
		)
	}

	// Janitor (nil means disabled)
	oJ := derefJanitor(oldCfg.Janitor)
	nJ := derefJanitor(newCfg.Janitor)
	if (oldCfg.Janitor != nil) != (newCfg.Janitor != nil) || !reflect.DeepEqual(oJ, nJ) {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.present", newCfg.Janitor != nil),
			logx.Bool("janitor.enabled", nJ.Enabled),
			logx.String("janitor.schedule", strings.TrimSpace(nJ.Schedule)),
		)
	}

	// API
	if strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		strings.TrimSpace(oldCfg.API.ReadTimeout) != strings.TrimSpace(newCfg.API.ReadTimeout) ||
		strings.TrimSpace(oldCfg.API.WriteTimeout) != strings.TrimSpace(newCfg.API.WriteTimeout) ||
		strings.TrimSpace(oldCfg.API.IdleTimeout) != strings.TrimSpace(newCfg.API.IdleTimeout) {
		changed = append(changed, "api")
		attrs = append(attrs, logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)))
	}

	// Push (nil means runtime defaults)
	oP := derefPush(oldCfg.Push)
	nP := derefPush(newCfg.Push)
	if !reflect.DeepEqual(oP, nP) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Int("push.buffer", nP.Buffer),
			logx.Int("push.rate_per_sec", nP.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefJanitor(j *JanitorConfig) JanitorConfig {
	if j == nil {
		return JanitorConfig{}
	}
	return *j
}

func derefPush(p *PushConfig) PushConfig {
	if p == nil {
		return PushConfig{}
	}
	return *p
}
