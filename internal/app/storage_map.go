package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./broadcasts.jsonl"
		}
		return storage.Config{Driver: "file", Path: path, MaxEntries: sc.MaxEntries}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxEntries: sc.MaxEntries}, true, nil
	case "redis":
		if strings.TrimSpace(sc.RedisAddr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis_addr is required when storage.driver=redis")
		}
		return storage.Config{
			Driver:        "redis",
			MaxEntries:    sc.MaxEntries,
			RedisAddr:     strings.TrimSpace(sc.RedisAddr),
			RedisPassword: sc.RedisPassword,
			RedisDB:       sc.RedisDB,
			RedisKey:      strings.TrimSpace(sc.RedisKey),
		}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the configured broadcast log without starting the app.
// It returns storage.ErrDisabled when no driver is configured.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
