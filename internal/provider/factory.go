package provider

import (
	"fmt"

	"ctsync/internal/config"
	"ctsync/internal/ctsync"
)

// NewProviderFromConfig returns the provider for cfg.Type. It returns a nil
// provider, without error, when no remote is configured; callers then run
// offline.
func NewProviderFromConfig(cfg config.ProviderConfig) (ctsync.Provider, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryProvider(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, nil
		}
		p, err := NewFileSystemProvider(cfg.Root)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}
