package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/worksync/worksync/internal/registry"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

// newVault builds the credential vault from the configured secret.
func newVault() (*vault.Vault, error) {
	secret := viper.GetString("vault_secret")
	if secret == "" {
		return nil, fmt.Errorf("no vault secret configured; set vault_secret in worksync.yaml or WORKSYNC_VAULT_SECRET")
	}
	return vault.New(secret)
}

// newRegistry builds a connector registry over the open store. Callers own
// the registry and must Close it to release live connector sessions.
func newRegistry() (*registry.Registry, error) {
	v, err := newVault()
	if err != nil {
		return nil, err
	}
	return registry.New(db, v), nil
}

// findConnector resolves a connector by id first, then by name.
func findConnector(ctx context.Context, ref string) (*types.Connector, error) {
	row, err := db.GetConnector(ctx, ref)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	row, err = db.GetConnectorByName(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no connector with id or name %q", ref)
	}
	return row, err
}

// findConfig resolves a sync configuration by id first, then by name.
func findConfig(ctx context.Context, ref string) (*types.SyncConfig, error) {
	cfg, err := db.GetSyncConfig(ctx, ref)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	configs, err := db.ListSyncConfigs(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no sync config with id or name %q", ref)
}

// getActor returns the identity recorded on manual operations.
// Priority: --by flag handled by callers > WORKSYNC_ACTOR env > $USER > "operator".
func getActor() string {
	if actor := os.Getenv("WORKSYNC_ACTOR"); actor != "" {
		return actor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

// parseKeyValues splits repeated key=value flag values into a map.
func parseKeyValues(pairs []string, what string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("%s %q is not key=value", what, p)
		}
		out[k] = v
	}
	return out, nil
}
