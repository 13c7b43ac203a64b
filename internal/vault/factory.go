package vault

import (
	"context"
	"fmt"

	"ctsync/internal/config"
	"ctsync/internal/ctsync"
)

// NewVaultFromConfig creates the archive backend selected by cfg.Type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (ctsync.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		v, err := NewS3Vault(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
