package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// mockStorage implements Storage for testing.
type mockStorage struct {
	principals map[string]*storage.Principal // by hash
	hasAdmin   bool
	err        error
}

func (m *mockStorage) GetPrincipalByHash(_ context.Context, keyHash string) (*storage.Principal, error) {
	if m.err != nil {
		return nil, m.err
	}
	if p, ok := m.principals[keyHash]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStorage) HasAdminPrincipal(context.Context) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.hasAdmin, nil
}

func TestHashKey(t *testing.T) {
	t.Parallel()

	h := HashKey("elk_test")
	if len(h) != 64 {
		t.Errorf("HashKey length = %d, want 64", len(h))
	}
	if h != HashKey("elk_test") {
		t.Error("HashKey is not deterministic")
	}
	if h == HashKey("elk_other") {
		t.Error("different keys hash equal")
	}
}

func TestNewKey(t *testing.T) {
	t.Parallel()

	k, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	if !strings.HasPrefix(k, KeyPrefix) || len(k) != len(KeyPrefix)+64 {
		t.Errorf("unexpected key format %q", k)
	}
}

func TestPrincipalActsFor(t *testing.T) {
	t.Parallel()

	storyteller := Principal{ID: "p1", Kind: storage.PrincipalStoryteller, SubjectID: "st-1"}
	admin := Principal{ID: "p2", Kind: storage.PrincipalAdmin}
	site := Principal{ID: "p3", Kind: storage.PrincipalSite, SubjectID: "st-1"}

	tests := []struct {
		name    string
		p       Principal
		kind    storage.PrincipalKind
		subject string
		want    bool
	}{
		{"owner", storyteller, storage.PrincipalStoryteller, "st-1", true},
		{"other storyteller", storyteller, storage.PrincipalStoryteller, "st-2", false},
		{"admin", admin, storage.PrincipalStoryteller, "st-2", true},
		{"wrong kind same subject", site, storage.PrincipalStoryteller, "st-1", false},
		{"zero principal", Principal{}, storage.PrincipalStoryteller, "", false},
		{"empty subject", Principal{ID: "p4", Kind: storage.PrincipalStoryteller}, storage.PrincipalStoryteller, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.p.ActsFor(tt.kind, tt.subject); got != tt.want {
				t.Errorf("ActsFor() = %v, want %v", got, tt.want)
			}
		})
	}

	if (Principal{Kind: "root", ID: "x"}).IsAdmin() {
		t.Error("unknown kind treated as admin")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	store := &mockStorage{principals: map[string]*storage.Principal{
		HashKey("elk_site"): {ID: "p1", Name: "site a", Kind: storage.PrincipalSite, SubjectID: "site-a"},
	}}
	r := NewResolver(store, NewBootstrapService(store, "boot-key-123"))
	ctx := context.Background()

	p, err := r.Resolve(ctx, "elk_site")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.Kind != storage.PrincipalSite || p.SubjectID != "site-a" {
		t.Errorf("Resolve() = %+v", p)
	}

	if _, err := r.Resolve(ctx, ""); !errors.Is(err, ErrMissingKey) {
		t.Errorf("empty key error = %v, want ErrMissingKey", err)
	}
	if _, err := r.Resolve(ctx, "elk_unknown"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("unknown key error = %v, want ErrInvalidKey", err)
	}

	p, err = r.Resolve(ctx, "boot-key-123")
	if err != nil || !p.IsAdmin() {
		t.Errorf("bootstrap key before any admin = %+v, %v", p, err)
	}

	store.hasAdmin = true
	if _, err := r.Resolve(ctx, "boot-key-123"); !errors.Is(err, ErrBootstrapLocked) {
		t.Errorf("bootstrap key after admin error = %v, want ErrBootstrapLocked", err)
	}

	store.err = errors.New("db down")
	if _, err := r.Resolve(ctx, "elk_site"); err == nil || errors.Is(err, ErrInvalidKey) {
		t.Errorf("storage error = %v, want passthrough", err)
	}
}
