package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/models"
)

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestKeyBuckets(t *testing.T) {
	actor := uuid.New()
	resource := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	early := Key(actor, "room_lock", resource, base)
	late := Key(actor, "room_lock", resource, base.Add(4*time.Minute))
	if early != late {
		t.Fatalf("expected same bucket inside window: %s vs %s", early, late)
	}

	next := Key(actor, "room_lock", resource, base.Add(6*time.Minute))
	if early == next {
		t.Fatalf("expected different bucket after window")
	}

	other := Key(uuid.New(), "room_lock", resource, base)
	if early == other {
		t.Fatalf("expected actor to participate in the key")
	}
}

func TestTransitionDuplicateKey(t *testing.T) {
	db := setupLedgerTestDB(t)
	now := time.Now().UTC()
	l := New(db, func() time.Time { return now })
	ctx := context.Background()

	actor := uuid.New()
	resource := uuid.New()
	key := Key(actor, "room_lock", resource, now)
	entry := Entry{Actor: actor, Action: "room_lock", Resource: resource, ResourceType: "room"}

	if _, err := l.Transition(ctx, nil, entry, key); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if _, err := l.Transition(ctx, nil, entry, key); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	rec, err := l.FindRecentTransition(ctx, key, 5*time.Minute)
	if err != nil {
		t.Fatalf("find recent: %v", err)
	}
	if rec == nil || rec.Kind != models.RecordTransition {
		t.Fatalf("expected transition record for key")
	}
}

func TestAttemptRowsRepeatFreely(t *testing.T) {
	db := setupLedgerTestDB(t)
	l := New(db, nil)
	ctx := context.Background()

	actor := uuid.New()
	resource := uuid.New()
	for i := 0; i < 3; i++ {
		if _, err := l.Attempt(ctx, Entry{Actor: actor, Action: "room_join", Resource: resource, ResourceType: "room"}); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	count, err := l.Count(ctx, actor, "room_join", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 attempts counted, got %d", count)
	}
}

func TestFindRecentTransitionRespectsLookback(t *testing.T) {
	db := setupLedgerTestDB(t)
	base := time.Now().UTC()
	current := base
	l := New(db, func() time.Time { return current })
	ctx := context.Background()

	actor := uuid.New()
	resource := uuid.New()
	key := Key(actor, "container_seal", resource, base)
	if _, err := l.Transition(ctx, nil, Entry{Actor: actor, Action: "container_seal", Resource: resource, ResourceType: "container"}, key); err != nil {
		t.Fatalf("transition: %v", err)
	}

	current = base.Add(10 * time.Minute)
	rec, err := l.FindRecentTransition(ctx, key, 5*time.Minute)
	if err != nil {
		t.Fatalf("find recent: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected record outside the lookback window to be ignored")
	}
}
