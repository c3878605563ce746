package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/models"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Invoice{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return NewStore(db, zerolog.Nop()), db
}

func TestCreateForcesUnsettled(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	inv := &models.Invoice{
		UserID:     uuid.NewString(),
		RHash:      "abc",
		AmountSats: 50,
		Settled:    true, // caller mistake, must be overridden
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}
	if err := store.Create(context.Background(), inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.ID == "" {
		t.Fatalf("create should assign an ID")
	}

	var got models.Invoice
	if err := db.First(&got, "id = ?", inv.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Settled {
		t.Fatalf("new invoices must start unsettled")
	}
}

func TestFindUnsettledScopesByViewer(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	viewer := uuid.NewString()

	inv := &models.Invoice{
		UserID:     viewer,
		RHash:      "hash-1",
		AmountSats: 100,
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}
	if err := store.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.FindUnsettled(ctx, "hash-1", viewer)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != inv.ID {
		t.Fatalf("wrong invoice returned")
	}

	if _, err := store.FindUnsettled(ctx, "hash-1", uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other viewer must not see the invoice, got %v", err)
	}
	if _, err := store.FindUnsettled(ctx, "no-such-hash", viewer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown hash should be ErrNotFound, got %v", err)
	}
}

func TestFindUnsettledExcludesSettledInvoices(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	viewer := uuid.NewString()

	inv := &models.Invoice{UserID: viewer, RHash: "hash-1", AmountSats: 100, ExpiresAt: time.Now().Add(5 * time.Minute)}
	if err := store.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkSettled(ctx, inv.ID); err != nil {
		t.Fatalf("mark settled: %v", err)
	}

	if _, err := store.FindUnsettled(ctx, "hash-1", viewer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("settled invoice must not be found again, got %v", err)
	}
}

func TestMarkSettledUnknownID(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	if err := store.MarkSettled(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredUnsettledKeepsSettledHistory(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	ctx := context.Background()
	viewer := uuid.NewString()

	stale := &models.Invoice{UserID: viewer, RHash: "stale", AmountSats: 50, ExpiresAt: time.Now().Add(-48 * time.Hour)}
	fresh := &models.Invoice{UserID: viewer, RHash: "fresh", AmountSats: 50, ExpiresAt: time.Now().Add(5 * time.Minute)}
	paid := &models.Invoice{UserID: viewer, RHash: "paid", AmountSats: 50, ExpiresAt: time.Now().Add(-48 * time.Hour)}
	for _, inv := range []*models.Invoice{stale, fresh, paid} {
		if err := store.Create(ctx, inv); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.MarkSettled(ctx, paid.ID); err != nil {
		t.Fatalf("mark settled: %v", err)
	}

	removed, err := store.DeleteExpiredUnsettled(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one pruned row, got %d", removed)
	}

	var hashes []string
	db.Model(&models.Invoice{}).Order("r_hash").Pluck("r_hash", &hashes)
	if len(hashes) != 2 || hashes[0] != "fresh" || hashes[1] != "paid" {
		t.Fatalf("unexpected survivors: %v", hashes)
	}
}
