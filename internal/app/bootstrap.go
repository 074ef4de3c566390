package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/device"
	"courier/internal/dispatch"
	"courier/internal/protocol"
	"courier/internal/schedule"
	logx "courier/pkg/logx"
)

const defaultJitter = 0.1

func mapLogConfig(cfg *config.Config, levelOverride string) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if strings.TrimSpace(levelOverride) != "" {
		lc.Level = levelOverride
	}
	return lc
}

func mapDeviceOptions(cfg *config.Config, dryRun bool) (device.Options, error) {
	dc := cfg.Device
	opts := device.Options{
		Driver:  dc.Driver,
		Binary:  dc.Binary,
		Display: dc.Display,
	}
	if dryRun {
		opts.Driver = "dry_run"
	}
	var err error
	if opts.TypeDelay, err = config.ParseDurationField("device.type_delay", dc.TypeDelay); err != nil {
		return opts, err
	}
	if opts.CommandTimeout, err = config.ParseDurationOrDefault("device.command_timeout", dc.CommandTimeout, 10*time.Second); err != nil {
		return opts, err
	}
	if opts.Latency, err = config.ParseDurationField("device.latency", dc.Latency); err != nil {
		return opts, err
	}
	return opts, nil
}

func mapProtocolConfig(cfg *config.Config) (protocol.Config, error) {
	pc := cfg.Protocol
	def := protocol.DefaultConfig()
	out := protocol.Config{
		UrgentMarker: def.UrgentMarker,
		ConfirmKey:   strings.TrimSpace(pc.ConfirmKey),
		SoftNewline:  pc.SoftNewline,
		NewSession:   pc.NewSession,
	}
	if pc.UrgentMarker != nil {
		out.UrgentMarker = *pc.UrgentMarker
	}
	var err error
	if out.StepDelay, err = config.ParseDurationOrDefault("protocol.step_delay", pc.StepDelay, def.StepDelay); err != nil {
		return out, err
	}
	if out.SessionReadyDelay, err = config.ParseDurationOrDefault("protocol.session_ready_delay", pc.SessionReadyDelay, def.SessionReadyDelay); err != nil {
		return out, err
	}
	if out.ConfirmGap, err = config.ParseDurationOrDefault("protocol.confirm_gap", pc.ConfirmGap, def.ConfirmGap); err != nil {
		return out, err
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.Config{
		QueueCapacity:    dc.QueueCapacity,
		RatePerSec:       dc.RatePerSec,
		Burst:            dc.Burst,
		HistorySize:      dc.HistorySize,
		BroadcastHistory: dc.BroadcastHistory,
		Retry: dispatch.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			Jitter:     cfg.Retry.Jitter,
		},
		Breaker: dispatch.BreakerConfig{FailureThreshold: cfg.Breaker.FailureThreshold},
	}
	if out.Retry.Jitter == 0 {
		out.Retry.Jitter = defaultJitter
	}

	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatch.gate_timeout", dc.GateTimeout, &out.GateTimeout},
		{"dispatch.request_timeout", dc.RequestTimeout, &out.RequestTimeout},
		{"dispatch.queue_wait", dc.QueueWait, &out.QueueWait},
		{"retry.base_delay", cfg.Retry.BaseDelay, &out.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelay, &out.Retry.MaxDelay},
		{"breaker.recovery_timeout", cfg.Breaker.RecoveryTimeout, &out.Breaker.RecoveryTimeout},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return out, err
		}
		*f.dst = d
	}
	return out, nil
}

// mapJobs converts enabled schedules. Disabled entries are skipped.
func mapJobs(cfg *config.Config) ([]schedule.Job, error) {
	jobs := make([]schedule.Job, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		if !sc.IsEnabled() {
			continue
		}
		mode, err := protocol.ParseMode(sc.Mode)
		if err != nil {
			return nil, fmt.Errorf("schedules %q: %w", sc.Name, err)
		}
		jobs = append(jobs, schedule.Job{
			Name:    strings.TrimSpace(sc.Name),
			Spec:    sc.Spec,
			Message: sc.Message,
			Mode:    mode,
			Targets: sc.Targets,
		})
	}
	return jobs, nil
}

// validate checks everything Config.Validate cannot: schedule specs and
// the typed mappings used at runtime.
func validate(cfg *config.Config) error {
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProtocolConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeviceOptions(cfg, false); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	jobs, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	return schedule.Compile(jobs)
}
