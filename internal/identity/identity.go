// Package identity resolves API credentials to owner identities. Every
// gateway authenticates through a Provider; sessions and commands are
// always attributed to the resolved owner, never to the raw credential.
package identity

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrInvalidCredential is returned when no owner matches the credential.
var ErrInvalidCredential = errors.New("invalid credential")

// Provider maps API keys to owner IDs.
type Provider struct {
	keys map[string]string // api key -> owner id
}

// NewProvider creates a provider from an api-key-to-owner mapping.
func NewProvider(keys map[string]string) *Provider {
	m := make(map[string]string, len(keys))
	for k, owner := range keys {
		m[k] = owner
	}
	return &Provider{keys: m}
}

// Resolve returns the owner ID for the given API key. Comparison is
// constant-time per key so lookup timing does not leak key material.
func (p *Provider) Resolve(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrInvalidCredential
	}
	ownerID := ""
	for key, owner := range p.keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			ownerID = owner
		}
	}
	if ownerID == "" {
		return "", ErrInvalidCredential
	}
	return ownerID, nil
}

// ResolveBearer extracts the bearer token from an Authorization header
// and resolves it.
func (p *Provider) ResolveBearer(authHeader string) (string, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", ErrInvalidCredential
	}
	return p.Resolve(strings.TrimPrefix(authHeader, "Bearer "))
}
