package storage

import (
	"context"
	"errors"
	"strings"

	logx "courier/pkg/logx"
)

// Store is the broadcast log.
type Store interface {
	AppendBroadcast(ctx context.Context, e BroadcastEntry) error
	// RecentBroadcasts returns up to n entries, newest first.
	RecentBroadcasts(ctx context.Context, n int) ([]BroadcastEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(context.Background(), cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
