package testutil

import "ctsync/internal/vault"

func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}
