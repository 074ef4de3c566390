package config

// Config is the on-disk configuration (JSON, JSON with comments, or YAML).
//
// All durations are Go duration strings (e.g. "150ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Device    DeviceConfig     `json:"device"`
	Protocol  ProtocolConfig   `json:"protocol"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Retry     RetryConfig      `json:"retry"`
	Breaker   BreakerConfig    `json:"breaker"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Endpoints []EndpointConfig `json:"endpoints"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Timezone  string           `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DeviceConfig selects the automation driver.
//
// Drivers:
//   - "xdotool" (default): shells out to the xdotool binary
//   - "dry_run": records primitives without touching the screen
type DeviceConfig struct {
	Driver         string `json:"driver"`
	Binary         string `json:"binary,omitempty"`
	Display        string `json:"display,omitempty"`
	TypeDelay      string `json:"type_delay,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	// Latency is only used by the dry_run driver.
	Latency string `json:"latency,omitempty"`
}

// ProtocolConfig tunes the input sequences.
//
// Defaults:
//   - step_delay: "50ms"
//   - session_ready_delay: "2s"
//   - confirm_gap: "300ms"
//   - urgent_marker: "[URGENT] "
//   - confirm_key: "Return"
//   - soft_newline: ["shift", "Return"]
//   - new_session: ["ctrl", "n"]
type ProtocolConfig struct {
	StepDelay         string   `json:"step_delay,omitempty"`
	SessionReadyDelay string   `json:"session_ready_delay,omitempty"`
	ConfirmGap        string   `json:"confirm_gap,omitempty"`
	UrgentMarker      *string  `json:"urgent_marker,omitempty"`
	ConfirmKey        string   `json:"confirm_key,omitempty"`
	SoftNewline       []string `json:"soft_newline,omitempty"`
	NewSession        []string `json:"new_session,omitempty"`
}

// DispatchConfig controls the queue and the arbiter.
//
// Defaults:
//   - queue_capacity: 0 (unbounded)
//   - gate_timeout: "5s"
//   - request_timeout: "2m"
//   - queue_wait: "" (a broadcast waits for admission as long as its caller does)
//   - rate_per_sec: 0 (no pacing)
//   - history_size: 200
//   - broadcast_history: 50
type DispatchConfig struct {
	QueueCapacity    int     `json:"queue_capacity,omitempty"`
	GateTimeout      string  `json:"gate_timeout,omitempty"`
	RequestTimeout   string  `json:"request_timeout,omitempty"`
	QueueWait        string  `json:"queue_wait,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	Burst            int     `json:"burst,omitempty"`
	HistorySize      int     `json:"history_size,omitempty"`
	BroadcastHistory int     `json:"broadcast_history,omitempty"`
}

// RetryConfig defaults: max_retries 3, base_delay "1s", max_delay "30s", jitter 0.1.
type RetryConfig struct {
	MaxRetries int     `json:"max_retries,omitempty"`
	BaseDelay  string  `json:"base_delay,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

// BreakerConfig defaults: failure_threshold 5, recovery_timeout "1m".
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`
}

// StorageConfig controls the persisted broadcast log. Nil disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./courier.db", "max_entries": 1000 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxEntries  int    `json:"max_entries,omitempty"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisKey      string `json:"redis_key,omitempty"`
}

// EndpointConfig registers one on-screen endpoint.
type EndpointConfig struct {
	ID     string `json:"id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ScheduleConfig fires a broadcast on a cron or interval spec.
//
// Spec accepts "cron:<expr>", "every:<duration>", "HH:MM", a bare duration or
// a 5/6 field cron expression.
type ScheduleConfig struct {
	Name    string   `json:"name"`
	Spec    string   `json:"spec"`
	Message string   `json:"message"`
	Mode    string   `json:"mode,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }
