package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestBootstrapStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state BootstrapState
		want  string
	}{
		{StateUnconfigured, "UNCONFIGURED"},
		{StateConfigured, "CONFIGURED"},
		{BootstrapState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBootstrapGetState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &mockStorage{}
	b := NewBootstrapService(store, "boot")

	state, err := b.GetState(ctx)
	if err != nil || state != StateUnconfigured {
		t.Fatalf("GetState() = %v, %v", state, err)
	}

	store.hasAdmin = true
	state, err = b.GetState(ctx)
	if err != nil || state != StateConfigured {
		t.Fatalf("GetState() = %v, %v", state, err)
	}

	store.err = errors.New("db down")
	if _, err := b.GetState(ctx); err == nil {
		t.Error("expected storage error")
	}
	if ok, err := b.CanUseBootstrapKey(ctx); ok || err == nil {
		t.Errorf("CanUseBootstrapKey() = %v, %v", ok, err)
	}
}

func TestIsBootstrapKey(t *testing.T) {
	t.Parallel()

	b := NewBootstrapService(&mockStorage{}, "correct-horse")
	if !b.IsBootstrapKey("correct-horse") {
		t.Error("bootstrap key rejected")
	}
	if b.IsBootstrapKey("correct-horse ") || b.IsBootstrapKey("") {
		t.Error("wrong key accepted")
	}

	disabled := NewBootstrapService(&mockStorage{}, "")
	if disabled.IsBootstrapKey("") {
		t.Error("empty bootstrap key must disable bootstrapping")
	}
}

func TestIsBootstrapKey_UsesConstantTimeComparison(t *testing.T) {
	t.Parallel()

	src, err := os.ReadFile("bootstrap.go")
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if !strings.Contains(string(src), "subtle.ConstantTimeCompare") {
		t.Error("IsBootstrapKey must compare hashes with subtle.ConstantTimeCompare")
	}
}
