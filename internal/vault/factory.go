package vault

import (
	"context"
	"fmt"
	"time"

	"labsnap/internal/config"
	"labsnap/internal/snap"
)

// retryDelay is the first backoff delay between vault call attempts.
const retryDelay = 200 * time.Millisecond

// NewVaultFromConfig creates a Vault implementation based on the vault config
// type. Vaults configured with more than one attempt per call are wrapped in
// a RetryingVault.
func NewVaultFromConfig(cfg config.VaultConfig) (snap.Vault, error) {
	v, err := newVault(cfg)
	if err != nil {
		return nil, err
	}
	attempts := cfg.Attempts
	if attempts == 0 && cfg.Type == "s3" {
		attempts = 3
	}
	if attempts > 1 {
		return NewRetryingVault(v, attempts, retryDelay), nil
	}
	return v, nil
}

func newVault(cfg config.VaultConfig) (snap.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		return NewS3Vault(context.Background(), cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
