// Package secrets resolves secret references in configuration.
//
// Sensitive config values (database URL, API key hash, token secret) may be
// given either as plain values or as 1Password secret references of the form
//
//	op://<vault>/<item>/<field>
//
// Plain values pass through untouched, so development setups work without a
// Connect server.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// RefPrefix marks a value as a 1Password secret reference.
const RefPrefix = "op://"

// Resolver turns config values into usable secrets.
type Resolver interface {
	// Resolve returns the secret behind a reference, or the value itself
	// when it is not a reference.
	Resolve(ctx context.Context, value string) (string, error)

	// Close releases backend resources.
	Close() error
}

// IsRef reports whether a config value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// ref is a parsed op:// reference.
type ref struct {
	vault string
	item  string
	field string
}

// parseRef splits "op://vault/item/field" into its parts.
func parseRef(value string) (ref, error) {
	rest := strings.TrimPrefix(value, RefPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ref{}, fmt.Errorf("invalid secret reference %q (expected op://vault/item/field)", value)
	}
	return ref{vault: parts[0], item: parts[1], field: parts[2]}, nil
}

// Plain resolves every value to itself and rejects op:// references.
// It is the default when no Connect server is configured.
type Plain struct{}

// Resolve returns the value unchanged, or an error for a reference that
// cannot be resolved without a Connect server.
func (Plain) Resolve(_ context.Context, value string) (string, error) {
	if IsRef(value) {
		return "", fmt.Errorf("secret reference %q requires a 1Password Connect server", value)
	}
	return value, nil
}

// Close is a no-op.
func (Plain) Close() error { return nil }
