package session

import (
	"context"
	"testing"
	"time"

	"github.com/poliport/poliport/pkg/models"
)

func TestCleanupTwoPhases(t *testing.T) {
	f := newManagerFixture(t)

	live, _ := f.mgr.CreateSession(context.Background(), "tenant-1", "")
	expired, _ := f.mgr.CreateSession(context.Background(), "tenant-1", "")

	// Conversations referencing a session about to be hard-deleted must
	// survive with the reference nulled.
	if err := f.store.Conversations().Create(context.Background(), &models.Conversation{
		ID: "c1", ExternalID: "x1", SessionToken: expired.Token, TenantID: "tenant-1",
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	// Phase 1: push one session past its overall expiry.
	expiredRow, _ := f.store.Sessions().GetByToken(context.Background(), expired.Token)
	expiredRow.ExpiresAt = f.now.Add(-time.Hour)
	if err := f.store.Sessions().Update(context.Background(), expiredRow); err != nil {
		t.Fatalf("age session: %v", err)
	}

	res := f.mgr.CleanupExpiredSessions(context.Background())
	if res.SoftDeleted != 1 || res.HardDeleted != 0 {
		t.Errorf("first sweep = %+v, want 1 soft, 0 hard", res)
	}
	if s, _ := f.mgr.GetSession(context.Background(), expired.Token); s != nil {
		t.Error("soft-deleted session still resolvable")
	}
	if s, _ := f.mgr.GetSession(context.Background(), live.Token); s == nil {
		t.Error("live session swept")
	}

	// Within the retention window the row stays.
	res = f.mgr.CleanupExpiredSessions(context.Background())
	if res.SoftDeleted != 0 || res.HardDeleted != 0 {
		t.Errorf("second sweep = %+v, want idempotent no-op", res)
	}

	// Phase 2: past retention the row goes and conversation refs null out.
	f.now = f.now.Add(91 * 24 * time.Hour)
	// Keep the live session alive across the jump.
	liveRow, _ := f.store.Sessions().GetByToken(context.Background(), live.Token)
	liveRow.ExpiresAt = f.now.Add(time.Hour)
	if err := f.store.Sessions().Update(context.Background(), liveRow); err != nil {
		t.Fatalf("extend live session: %v", err)
	}

	res = f.mgr.CleanupExpiredSessions(context.Background())
	if res.HardDeleted != 1 {
		t.Errorf("retention sweep = %+v, want 1 hard delete", res)
	}
	if _, err := f.store.Sessions().GetByToken(context.Background(), expired.Token); err == nil {
		t.Error("hard-deleted row still present")
	}

	conv, err := f.store.Conversations().GetByExternalID(context.Background(), "x1")
	if err != nil {
		t.Fatalf("conversation lost on session hard delete: %v", err)
	}
	if conv.SessionToken != "" {
		t.Errorf("conversation still references dead session: %q", conv.SessionToken)
	}

	// The sweep stays idempotent after both phases.
	res = f.mgr.CleanupExpiredSessions(context.Background())
	if res.SoftDeleted != 0 || res.HardDeleted != 0 {
		t.Errorf("final sweep = %+v, want no-op", res)
	}
}
