package app

import (
	"strings"
	"time"

	"testrig/internal/config"
	"testrig/internal/storage"
)

// mapStorageConfig resolves the storage section. enabled=false means the
// daemon runs without history persistence. The path comes pre-anchored
// under the state dir by config.StoragePath.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.StoragePath(),
		BusyTimeout: busy,
	}, true, nil
}
