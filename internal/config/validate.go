package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// Validate checks the config without touching the filesystem or the screen.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	switch strings.ToLower(strings.TrimSpace(c.Device.Driver)) {
	case "", "xdotool", "dry_run", "dry-run":
	default:
		add(fmt.Errorf("device.driver: unknown driver %q", c.Device.Driver))
	}
	dur("device.type_delay", c.Device.TypeDelay)
	dur("device.command_timeout", c.Device.CommandTimeout)
	dur("device.latency", c.Device.Latency)

	dur("protocol.step_delay", c.Protocol.StepDelay)
	dur("protocol.session_ready_delay", c.Protocol.SessionReadyDelay)
	dur("protocol.confirm_gap", c.Protocol.ConfirmGap)
	if k := strings.TrimSpace(c.Protocol.ConfirmKey); k != "" && len(c.Protocol.SoftNewline) == 1 &&
		strings.EqualFold(k, strings.TrimSpace(c.Protocol.SoftNewline[0])) {
		add(errors.New("protocol.soft_newline must differ from protocol.confirm_key"))
	}

	if c.Dispatch.QueueCapacity < 0 {
		add(errors.New("dispatch.queue_capacity must be >= 0"))
	}
	if c.Dispatch.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	if c.Dispatch.HistorySize < 0 || c.Dispatch.BroadcastHistory < 0 {
		add(errors.New("dispatch history sizes must be >= 0"))
	}
	dur("dispatch.gate_timeout", c.Dispatch.GateTimeout)
	dur("dispatch.request_timeout", c.Dispatch.RequestTimeout)
	dur("dispatch.queue_wait", c.Dispatch.QueueWait)

	if c.Retry.MaxRetries < 0 {
		add(errors.New("retry.max_retries must be >= 0"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add(errors.New("retry.jitter must be within [0,1]"))
	}
	dur("retry.base_delay", c.Retry.BaseDelay)
	dur("retry.max_delay", c.Retry.MaxDelay)

	if c.Breaker.FailureThreshold < 0 {
		add(errors.New("breaker.failure_threshold must be >= 0"))
	}
	dur("breaker.recovery_timeout", c.Breaker.RecoveryTimeout)

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "redis":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		if s.MaxEntries < 0 {
			add(errors.New("storage.max_entries must be >= 0"))
		}
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: %w", err))
		}
	}

	seen := map[string]struct{}{}
	for i, ep := range c.Endpoints {
		id := strings.TrimSpace(ep.ID)
		if id == "" {
			add(fmt.Errorf("endpoints[%d].id is required", i))
			continue
		}
		if _, dup := seen[id]; dup {
			add(fmt.Errorf("endpoints[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
	}

	names := map[string]struct{}{}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			add(fmt.Errorf("schedules[%d].name is required", i))
		} else if _, dup := names[s.Name]; dup {
			add(fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name))
		}
		names[s.Name] = struct{}{}
		if strings.TrimSpace(s.Spec) == "" {
			add(fmt.Errorf("schedules[%d].spec is required", i))
		}
		if strings.TrimSpace(s.Message) == "" {
			add(fmt.Errorf("schedules[%d].message is required", i))
		}
		for _, t := range s.Targets {
			if _, ok := seen[strings.TrimSpace(t)]; !ok {
				add(fmt.Errorf("schedules[%d]: unknown target %q", i, t))
			}
		}
	}

	return errors.Join(errs...)
}
