package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// BootstrapPrincipal is the admin identity the bootstrap key resolves to.
var BootstrapPrincipal = Principal{ID: "bootstrap", Name: "bootstrap", Kind: storage.PrincipalAdmin}

// BootstrapState represents the system configuration state
type BootstrapState int

const (
	// StateUnconfigured means no admin principal exists yet and the
	// bootstrap key is accepted.
	StateUnconfigured BootstrapState = iota

	// StateConfigured means at least one admin principal exists and the
	// bootstrap key is locked out.
	StateConfigured
)

// String returns the string representation of the bootstrap state
func (s BootstrapState) String() string {
	switch s {
	case StateUnconfigured:
		return "UNCONFIGURED"
	case StateConfigured:
		return "CONFIGURED"
	default:
		return "UNKNOWN"
	}
}

// AdminChecker reports whether an admin principal exists.
type AdminChecker interface {
	HasAdminPrincipal(ctx context.Context) (bool, error)
}

// BootstrapService manages the bootstrap state machine.
type BootstrapService struct {
	admins  AdminChecker
	keyHash string
}

// NewBootstrapService creates a bootstrap service for the raw BOOTSTRAP_KEY.
// An empty key disables bootstrapping.
func NewBootstrapService(admins AdminChecker, bootstrapKey string) *BootstrapService {
	b := &BootstrapService{admins: admins}
	if bootstrapKey != "" {
		b.keyHash = HashKey(bootstrapKey)
	}
	return b
}

// GetState returns the current bootstrap state.
func (b *BootstrapService) GetState(ctx context.Context) (BootstrapState, error) {
	hasAdmin, err := b.admins.HasAdminPrincipal(ctx)
	if err != nil {
		return StateUnconfigured, err
	}
	if hasAdmin {
		return StateConfigured, nil
	}
	return StateUnconfigured, nil
}

// IsBootstrapKey checks key against the bootstrap key in constant time.
func (b *BootstrapService) IsBootstrapKey(key string) bool {
	if b.keyHash == "" {
		return false
	}
	hash := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(hash[:])), []byte(b.keyHash)) == 1
}

// CanUseBootstrapKey returns true only during StateUnconfigured.
func (b *BootstrapService) CanUseBootstrapKey(ctx context.Context) (bool, error) {
	state, err := b.GetState(ctx)
	if err != nil {
		return false, err
	}
	return state == StateUnconfigured, nil
}
