package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const DefaultMaxEntries = 1000

// Config configures storage. An empty Driver (or "none") disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEntries  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

func (c Config) maxEntries() int {
	if c.MaxEntries <= 0 {
		return DefaultMaxEntries
	}
	return c.MaxEntries
}

// BroadcastEntry is one persisted broadcast. Keep it compact and schema-stable.
type BroadcastEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	BroadcastID  string    `json:"broadcast_id"`
	Message      string    `json:"message"`
	Priority     int       `json:"priority"`
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
	Method       string    `json:"method"`
	Mode         string    `json:"mode"`
}
