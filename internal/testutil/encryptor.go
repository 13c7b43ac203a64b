package testutil

import "ctsync/internal/encryption"

// NewTestEncryptor returns a reversible fake encryptor that needs no keys.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
