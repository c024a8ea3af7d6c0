package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

type memStore struct {
	entries []*storage.AuditEntry
	err     error
}

func (m *memStore) AppendAudit(_ context.Context, e *storage.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = "a" + string(rune('0'+len(m.entries)))
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) ListAuditForStory(_ context.Context, storyID string, _ int) ([]*storage.AuditEntry, error) {
	var out []*storage.AuditEntry
	for _, e := range m.entries {
		if e.StoryID == storyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListAuditForEntity(_ context.Context, entityType, entityID string, _ int) ([]*storage.AuditEntry, error) {
	var out []*storage.AuditEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestRecordMirrorsToLog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := &memStore{}
	l := New(store, slog.New(slog.NewJSONHandler(&buf, nil)))

	err := l.Record(context.Background(), &storage.AuditEntry{
		StoryID:       "story-1",
		EntityType:    EntityDistribution,
		EntityID:      "dist-1",
		Action:        ActionStatusChanged,
		PreviousState: "active",
		NewState:      "pending_removal",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("stored %d entries, want 1", len(store.entries))
	}
	for _, want := range []string{`"entity_id":"dist-1"`, `"new_state":"pending_removal"`, `"msg":"audit"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %s: %s", want, buf.String())
		}
	}
}

func TestRecordRejectsIncompleteEntry(t *testing.T) {
	t.Parallel()

	l := New(&memStore{}, nil)
	if err := l.Record(context.Background(), &storage.AuditEntry{Action: "x"}); err == nil {
		t.Fatal("expected error for entry without entity")
	}
}

func TestRecordBestEffortSwallowsFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&memStore{err: errors.New("disk full")}, slog.New(slog.NewTextHandler(&buf, nil)))
	l.RecordBestEffort(context.Background(), &storage.AuditEntry{EntityType: EntityStory, EntityID: "s", Action: "x"})
	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

func TestListForStoryAndEntity(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	l := New(store, nil)
	ctx := context.Background()
	l.RecordBestEffort(ctx, &storage.AuditEntry{StoryID: "s1", EntityType: EntityConsent, EntityID: "s1:a", Action: ActionConsentGranted})
	l.RecordBestEffort(ctx, &storage.AuditEntry{StoryID: "s1", EntityType: EntityDistribution, EntityID: "d1", Action: ActionStatusChanged})
	l.RecordBestEffort(ctx, &storage.AuditEntry{StoryID: "s2", EntityType: EntityDistribution, EntityID: "d2", Action: ActionStatusChanged})

	got, err := l.ListForStory(ctx, "s1", 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("ListForStory() = %d entries, %v; want 2", len(got), err)
	}
	got, err = l.ListForEntity(ctx, EntityDistribution, "d2", 0)
	if err != nil || len(got) != 1 || got[0].StoryID != "s2" {
		t.Fatalf("ListForEntity() = %+v, %v", got, err)
	}
}
