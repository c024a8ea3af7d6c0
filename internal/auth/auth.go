// Package auth resolves API keys to principals and checks what they may act on.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// KeyPrefix marks gateway API keys so they are recognisable in config and logs.
const KeyPrefix = "elk_"

// Errors for authentication and authorization failures.
var (
	// ErrMissingKey indicates no API key was provided.
	ErrMissingKey = errors.New("auth: missing API key")
	// ErrInvalidKey indicates the API key is not valid.
	ErrInvalidKey = errors.New("auth: invalid API key")
	// ErrBootstrapLocked indicates the bootstrap key was used after an admin exists.
	ErrBootstrapLocked = errors.New("auth: bootstrap key is locked")
	// ErrForbidden indicates the principal may not perform the operation.
	ErrForbidden = errors.New("auth: permission denied")
)

// HashKey computes the SHA-256 hash of an API key for storage lookup.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// NewKey generates a random API key. It is shown to its holder once.
func NewKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// Principal is the authenticated caller. The zero value is no caller and is
// allowed nothing.
type Principal struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Kind      storage.PrincipalKind `json:"kind"`
	SubjectID string                `json:"subjectId,omitempty"`
}

// FromStorage converts a stored principal.
func FromStorage(p *storage.Principal) Principal {
	return Principal{ID: p.ID, Name: p.Name, Kind: p.Kind, SubjectID: p.SubjectID}
}

// IsZero reports whether p is the unauthenticated principal.
func (p Principal) IsZero() bool {
	return p.ID == "" || !p.Kind.Valid()
}

// IsAdmin reports whether p is an administrator.
func (p Principal) IsAdmin() bool {
	return !p.IsZero() && p.Kind == storage.PrincipalAdmin
}

// ActsFor reports whether p may act as the given kind of subject: admins
// may act for anyone, everyone else only for their own subject.
func (p Principal) ActsFor(kind storage.PrincipalKind, subjectID string) bool {
	if p.IsZero() {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	return p.Kind == kind && subjectID != "" && p.SubjectID == subjectID
}

// Storage is the persistence the resolver needs.
type Storage interface {
	GetPrincipalByHash(ctx context.Context, keyHash string) (*storage.Principal, error)
	HasAdminPrincipal(ctx context.Context) (bool, error)
}

// Resolver maps API keys to principals.
type Resolver struct {
	storage   Storage
	bootstrap *BootstrapService
}

// NewResolver creates a Resolver. bootstrap may be nil.
func NewResolver(s Storage, bootstrap *BootstrapService) *Resolver {
	return &Resolver{storage: s, bootstrap: bootstrap}
}

// Resolve returns the principal for key. The bootstrap key resolves to a
// transient admin principal only while no admin principal exists.
func (r *Resolver) Resolve(ctx context.Context, key string) (Principal, error) {
	if key == "" {
		return Principal{}, ErrMissingKey
	}

	if r.bootstrap != nil && r.bootstrap.IsBootstrapKey(key) {
		canUse, err := r.bootstrap.CanUseBootstrapKey(ctx)
		if err != nil {
			return Principal{}, err
		}
		if !canUse {
			return Principal{}, ErrBootstrapLocked
		}
		return BootstrapPrincipal, nil
	}

	p, err := r.storage.GetPrincipalByHash(ctx, HashKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Principal{}, ErrInvalidKey
		}
		return Principal{}, err
	}
	return FromStorage(p), nil
}
