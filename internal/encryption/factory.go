package encryption

import (
	"fmt"

	"ctsync/internal/config"
	"ctsync/internal/ctsync"
)

// NewEncryptorFromConfig returns the snapshot encryptor for cfg.Type.
// Type "none" (or empty) returns a nil Encryptor: snapshots are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (ctsync.Encryptor, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
