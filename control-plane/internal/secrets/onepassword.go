package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

// OnePassword resolves op:// references through a 1Password Connect server.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
type OnePassword struct {
	client connect.Client
	logger *slog.Logger

	// Cache to avoid repeated API calls; references are stable per process.
	mu       sync.RWMutex
	vaultIDs map[string]string
	values   map[string]string
}

// NewOnePassword creates a Connect-backed resolver.
func NewOnePassword(host, token string, logger *slog.Logger) (*OnePassword, error) {
	if host == "" || token == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host and token are required")
	}

	client := connect.NewClientWithUserAgent(host, token, "complymon-control-plane")

	return &OnePassword{
		client:   client,
		logger:   logger,
		vaultIDs: make(map[string]string),
		values:   make(map[string]string),
	}, nil
}

// Resolve returns the secret behind an op:// reference. Non-reference values
// pass through unchanged.
func (r *OnePassword) Resolve(_ context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}

	r.mu.RLock()
	if cached, ok := r.values[value]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	parsed, err := parseRef(value)
	if err != nil {
		return "", err
	}

	vaultID, err := r.vaultID(parsed.vault)
	if err != nil {
		return "", err
	}

	items, err := r.client.GetItemsByTitle(parsed.item, vaultID)
	if err != nil {
		return "", fmt.Errorf("finding item %q: %w", parsed.item, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("item %q not found in vault %q", parsed.item, parsed.vault)
	}

	item, err := r.client.GetItem(items[0].ID, vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item %q: %w", parsed.item, err)
	}

	for _, field := range item.Fields {
		if field.Label == parsed.field || field.ID == parsed.field {
			r.mu.Lock()
			r.values[value] = field.Value
			r.mu.Unlock()
			return field.Value, nil
		}
	}
	return "", fmt.Errorf("field %q not found on item %q", parsed.field, parsed.item)
}

// vaultID resolves a vault name to its UUID, cached per process.
func (r *OnePassword) vaultID(name string) (string, error) {
	r.mu.RLock()
	if id, ok := r.vaultIDs[name]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	vaults, err := r.client.GetVaultsByTitle(name)
	if err != nil {
		return "", fmt.Errorf("finding vault %q: %w", name, err)
	}
	if len(vaults) == 0 {
		return "", fmt.Errorf("vault %q not found", name)
	}

	r.mu.Lock()
	r.vaultIDs[name] = vaults[0].ID
	r.mu.Unlock()
	return vaults[0].ID, nil
}

// Close clears the cached secrets.
func (r *OnePassword) Close() error {
	r.mu.Lock()
	r.vaultIDs = make(map[string]string)
	r.values = make(map[string]string)
	r.mu.Unlock()
	return nil
}
