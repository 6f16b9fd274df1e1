package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poliport/poliport/pkg/models"
)

func TestSessionSoftDeleteLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sessions := store.Sessions()
	if err := sessions.Create(ctx, &models.Session{Token: "t1", ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := sessions.Create(ctx, &models.Session{Token: "t1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
	}
	if err := sessions.Create(ctx, &models.Session{Token: "t2", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	expired, err := sessions.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0] != "t1" {
		t.Errorf("expired = %v, want [t1]", expired)
	}

	if err := sessions.SoftDelete(ctx, "t1", now); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	// Soft-deleted rows are invisible to reads and to the expiry scan.
	if _, err := sessions.GetByToken(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByToken after soft delete = %v, want ErrNotFound", err)
	}
	expired, _ = sessions.ListExpired(ctx, now)
	if len(expired) != 0 {
		t.Errorf("expired after soft delete = %v, want none", expired)
	}

	// The retention scan sees it once the cutoff passes.
	old, err := sessions.ListSoftDeletedBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListSoftDeletedBefore() error = %v", err)
	}
	if len(old) != 1 || old[0] != "t1" {
		t.Errorf("soft-deleted = %v, want [t1]", old)
	}
	if old, _ = sessions.ListSoftDeletedBefore(ctx, now.Add(-time.Minute)); len(old) != 0 {
		t.Errorf("soft-deleted before cutoff = %v, want none", old)
	}

	if err := sessions.HardDelete(ctx, []string{"t1"}); err != nil {
		t.Fatalf("HardDelete() error = %v", err)
	}
	if old, _ = sessions.ListSoftDeletedBefore(ctx, now.Add(time.Minute)); len(old) != 0 {
		t.Errorf("rows after hard delete = %v, want none", old)
	}
}

func TestConversationMigration(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	convs := store.Conversations()
	seed := []*models.Conversation{
		{ID: "c1", ExternalID: "x1", SessionToken: "anon"},
		{ID: "c2", ExternalID: "x2", SessionToken: "anon", ParticipantID: "p-old"},
		{ID: "c3", ExternalID: "x3", SessionToken: "other"},
	}
	for _, c := range seed {
		if err := convs.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	migrated, err := convs.MigrateSessionToParticipant(ctx, "anon", "p-new")
	if err != nil {
		t.Fatalf("MigrateSessionToParticipant() error = %v", err)
	}
	// Rows already owned by a participant are left alone.
	if migrated != 1 {
		t.Errorf("migrated = %d, want 1", migrated)
	}
	c1, _ := convs.GetByExternalID(ctx, "x1")
	if c1.ParticipantID != "p-new" {
		t.Errorf("c1 participant = %q", c1.ParticipantID)
	}
	c2, _ := convs.GetByExternalID(ctx, "x2")
	if c2.ParticipantID != "p-old" {
		t.Errorf("c2 participant = %q, want untouched", c2.ParticipantID)
	}

	if err := convs.NullSessionRefs(ctx, []string{"anon"}); err != nil {
		t.Fatalf("NullSessionRefs() error = %v", err)
	}
	c1, _ = convs.GetByExternalID(ctx, "x1")
	if c1.SessionToken != "" {
		t.Errorf("c1 session = %q, want nulled", c1.SessionToken)
	}
	c3, _ := convs.GetByExternalID(ctx, "x3")
	if c3.SessionToken != "other" {
		t.Errorf("c3 session = %q, want untouched", c3.SessionToken)
	}
}

func TestConversationListOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	convs := store.Conversations()
	for i, ext := range []string{"x1", "x2", "x3"} {
		if err := convs.Create(ctx, &models.Conversation{
			ID:           ext,
			ExternalID:   ext,
			SessionToken: "s1",
			UpdatedAt:    base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	list, err := convs.ListBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(list) != 3 || list[0].ExternalID != "x3" || list[2].ExternalID != "x1" {
		t.Errorf("list order = %v, want most recently updated first", list)
	}
}

func TestParticipantFindOrCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p1, err := store.Participants().FindOrCreate(ctx, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	p2, err := store.Participants().FindOrCreate(ctx, "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	if p1.ID != p2.ID {
		t.Errorf("ids differ: %q vs %q", p1.ID, p2.ID)
	}

	// Same user under another tenant is a distinct participant.
	p3, err := store.Participants().FindOrCreate(ctx, "user-1", "tenant-2")
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	if p3.ID == p1.ID {
		t.Error("participants not scoped by tenant")
	}
}

func TestProposalQueue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	proposals := store.Proposals()
	for i, id := range []string{"p3", "p1", "p2"} {
		if err := proposals.Create(ctx, &models.ProposalTracking{
			ID:        id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	rows, err := proposals.ListUnprocessed(ctx, 2)
	if err != nil {
		t.Fatalf("ListUnprocessed() error = %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "p3" || rows[1].ID != "p1" {
		t.Errorf("rows = %v, want oldest two in creation order", rows)
	}

	if err := proposals.MarkProcessed(ctx, "p3"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	rows, _ = proposals.ListUnprocessed(ctx, 10)
	if len(rows) != 2 {
		t.Errorf("unprocessed after mark = %d, want 2", len(rows))
	}
	if err := proposals.MarkProcessed(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessed(missing) = %v, want ErrNotFound", err)
	}
}
