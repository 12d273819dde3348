package testutil

import (
	"labsnap/internal/snap"
	"labsnap/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() snap.Vault {
	return vault.NewMemoryVault("test-vault")
}
