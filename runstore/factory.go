package runstore

import (
	"fmt"

	"github.com/google/uuid"
)

// New creates a Store based on the configuration.
func New(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(config)
	case StoreTypeSQLite:
		return NewSQLiteStore(config)
	case StoreTypeRedis:
		return NewRedisStore(config)
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", config.Type)
	}
}

// NewRunID returns a fresh opaque run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}
