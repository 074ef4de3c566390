package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (redis password) are never included.
// restart reports sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Protocol, newCfg.Protocol) {
		changed = append(changed, "protocol")
		attrs = append(attrs,
			logx.String("protocol.step_delay", strings.TrimSpace(newCfg.Protocol.StepDelay)),
			logx.String("protocol.session_ready_delay", strings.TrimSpace(newCfg.Protocol.SessionReadyDelay)),
			logx.String("protocol.confirm_gap", strings.TrimSpace(newCfg.Protocol.ConfirmGap)),
		)
	}

	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_retries", newCfg.Retry.MaxRetries),
			logx.String("retry.base_delay", strings.TrimSpace(newCfg.Retry.BaseDelay)),
			logx.String("retry.max_delay", strings.TrimSpace(newCfg.Retry.MaxDelay)),
		)
	}

	if oldCfg.Breaker != newCfg.Breaker {
		changed = append(changed, "breaker")
		attrs = append(attrs,
			logx.Int("breaker.failure_threshold", newCfg.Breaker.FailureThreshold),
			logx.String("breaker.recovery_timeout", strings.TrimSpace(newCfg.Breaker.RecoveryTimeout)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.gate_timeout", strings.TrimSpace(newCfg.Dispatch.GateTimeout)),
			logx.String("dispatch.request_timeout", strings.TrimSpace(newCfg.Dispatch.RequestTimeout)),
			logx.String("dispatch.queue_wait", strings.TrimSpace(newCfg.Dispatch.QueueWait)),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
		if oldCfg.Dispatch.QueueCapacity != newCfg.Dispatch.QueueCapacity ||
			oldCfg.Dispatch.HistorySize != newCfg.Dispatch.HistorySize ||
			oldCfg.Dispatch.BroadcastHistory != newCfg.Dispatch.BroadcastHistory {
			restart = append(restart, "dispatch")
		}
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) || oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	if oldCfg.Device != newCfg.Device {
		changed = append(changed, "device")
		restart = append(restart, "device")
		attrs = append(attrs, logx.String("device.driver", newCfg.Device.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Endpoints, newCfg.Endpoints) {
		changed = append(changed, "endpoints")
		restart = append(restart, "endpoints")
		attrs = append(attrs, logx.Int("endpoints.count", len(newCfg.Endpoints)))
	}

	if storageSummary(oldCfg.Storage) != storageSummary(newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		s := storageSummary(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", s.driver),
			logx.Bool("storage.path_set", s.pathSet),
			logx.Bool("storage.redis_password_set", s.passwordSet),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

type storageView struct {
	driver      string
	pathSet     bool
	path        string
	busy        string
	maxEntries  int
	redisAddr   string
	redisDB     int
	redisKey    string
	passwordSet bool
	password    string
}

func storageSummary(s *StorageConfig) storageView {
	if s == nil {
		return storageView{}
	}
	return storageView{
		driver:      strings.TrimSpace(s.Driver),
		pathSet:     strings.TrimSpace(s.Path) != "",
		path:        strings.TrimSpace(s.Path),
		busy:        strings.TrimSpace(s.BusyTimeout),
		maxEntries:  s.MaxEntries,
		redisAddr:   s.RedisAddr,
		redisDB:     s.RedisDB,
		redisKey:    s.RedisKey,
		passwordSet: s.RedisPassword != "",
		password:    s.RedisPassword,
	}
}
