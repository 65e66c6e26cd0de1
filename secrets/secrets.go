// Package secrets is the versioned credential store. Writing a secret appends
// a new immutable version; reading returns the most recent one. Nothing in
// this package deletes a version.
package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a secret, or any version of it, does not exist.
var ErrNotFound = errors.New("secrets: not found")

// Store is an append-only, versioned name -> bytes store.
type Store interface {
	// Create registers name. Creating an existing secret is not an error.
	Create(ctx context.Context, name string) error
	// Write appends a version to an existing secret and returns its id.
	Write(ctx context.Context, name string, payload []byte) (string, error)
	// ReadLatest returns the payload of the most recent version.
	ReadLatest(ctx context.Context, name string) ([]byte, error)
}

// AccessTokenName is the secret holding a channel's access tokens.
func AccessTokenName(providerUserID string) string { return "access-token-" + providerUserID }

// RefreshTokenName is the secret holding a channel's refresh tokens.
func RefreshTokenName(providerUserID string) string { return "refresh-token-" + providerUserID }

// OverlaySecretName is the secret holding a channel's overlay token.
func OverlaySecretName(providerUserID string) string { return "overlay-secret-" + providerUserID }

// CreateAndWrite creates name if needed and appends payload.
func CreateAndWrite(ctx context.Context, s Store, name string, payload []byte) (string, error) {
	if err := s.Create(ctx, name); err != nil {
		return "", err
	}
	return s.Write(ctx, name, payload)
}
