// Package authstore names the external authentication-store collaborator:
// lookup_user(id) -> {api_key, roles}. The spec allows a dedicated identity
// service or a shared store; this repo shares the request store, since
// there is no separate identity service in this deployment.
package authstore

import (
	"github.com/google/uuid"

	"github.com/relabs-tech/geodds/internal/store"
)

// Lookup resolves a user id to its api key and roles.
type Lookup interface {
	LookupUser(id uuid.UUID) (apiKey string, roles []string, err error)
}

// StoreBacked implements Lookup against the shared request store.
type StoreBacked struct {
	store *store.Store
}

// New wraps a request store as a Lookup.
func New(s *store.Store) *StoreBacked {
	return &StoreBacked{store: s}
}

// LookupUser implements Lookup.
func (b *StoreBacked) LookupUser(id uuid.UUID) (string, []string, error) {
	u, err := b.store.GetUser(id)
	if err != nil {
		return "", nil, err
	}
	return u.ApiKey, u.Roles, nil
}
