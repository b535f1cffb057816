package storage

import (
	"strings"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

// Open initializes the configured repository.
func Open(cfg Config, log logx.Logger) (Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.WithHint(errors.Newf("unknown storage driver %q", driver), "use sqlite, file or none")
	}
}
