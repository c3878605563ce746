package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/ledger"
	"github.com/friendsincode/reckless_tv/internal/models"
	"github.com/friendsincode/reckless_tv/internal/video"
)

type fakeProvider struct {
	streams map[string]*video.Stream
	err     error
}

func (f *fakeProvider) GetStream(ctx context.Context, id string) (*video.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	stream, ok := f.streams[id]
	if !ok {
		return nil, video.ErrNotFound
	}
	return stream, nil
}

func newTestReconciler(t *testing.T, provider Provider) (*Reconciler, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A pooled in-memory sqlite gives every connection its own database;
	// pin to one so the reconciler goroutine sees the seeded rows.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Livestream{}, &models.Invoice{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	r := NewReconciler(db, provider, ledger.NewStore(db, zerolog.Nop()), events.NewBus(), zerolog.Nop())
	return r, db
}

func seedStream(t *testing.T, db *gorm.DB, providerID string, status models.LivestreamStatus) models.Livestream {
	t.Helper()
	stream := models.Livestream{
		ID:               uuid.NewString(),
		UserID:           uuid.NewString(),
		Title:            "seeded",
		Status:           status,
		ProviderStreamID: providerID,
	}
	if err := db.Create(&stream).Error; err != nil {
		t.Fatalf("seed stream: %v", err)
	}
	return stream
}

func TestTickKeepsActiveStreamLive(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{streams: map[string]*video.Stream{
		"prov-1": {ID: "prov-1", Status: video.StatusActive},
	}}
	r, db := newTestReconciler(t, provider)
	stream := seedStream(t, db, "prov-1", models.StatusLive)

	r.tick(context.Background())

	var got models.Livestream
	if err := db.First(&got, "id = ?", stream.ID).Error; err != nil {
		t.Fatalf("stream should still exist: %v", err)
	}
	if got.Status != models.StatusLive {
		t.Fatalf("active stream should stay live, got %q", got.Status)
	}
}

func TestTickMarksIdleStreamOffline(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{streams: map[string]*video.Stream{
		"prov-1": {ID: "prov-1", Status: video.StatusIdle},
	}}
	r, db := newTestReconciler(t, provider)
	stream := seedStream(t, db, "prov-1", models.StatusLive)

	r.tick(context.Background())

	var got models.Livestream
	if err := db.First(&got, "id = ?", stream.ID).Error; err != nil {
		t.Fatalf("stream should still exist: %v", err)
	}
	if got.Status != models.StatusOffline {
		t.Fatalf("idle stream should be marked offline, got %q", got.Status)
	}
}

func TestTickDeletesStreamUnknownToProvider(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{streams: map[string]*video.Stream{}}
	r, db := newTestReconciler(t, provider)
	stream := seedStream(t, db, "prov-gone", models.StatusLive)

	r.tick(context.Background())

	var count int64
	db.Model(&models.Livestream{}).Where("id = ?", stream.ID).Count(&count)
	if count != 0 {
		t.Fatalf("vanished stream should be deleted")
	}
}

func TestTickLeavesStateUntouchedOnProviderError(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("provider down")}
	r, db := newTestReconciler(t, provider)
	stream := seedStream(t, db, "prov-1", models.StatusLive)

	r.tick(context.Background())

	var got models.Livestream
	if err := db.First(&got, "id = ?", stream.ID).Error; err != nil {
		t.Fatalf("stream should still exist: %v", err)
	}
	if got.Status != models.StatusLive {
		t.Fatalf("provider error must not change cached state, got %q", got.Status)
	}
}

func TestTickSkipsOfflineStreams(t *testing.T) {
	t.Parallel()

	// Provider would delete this stream, but offline rows are not checked.
	provider := &fakeProvider{streams: map[string]*video.Stream{}}
	r, db := newTestReconciler(t, provider)
	stream := seedStream(t, db, "prov-1", models.StatusOffline)

	r.tick(context.Background())

	var count int64
	db.Model(&models.Livestream{}).Where("id = ?", stream.ID).Count(&count)
	if count != 1 {
		t.Fatalf("offline stream should be left alone")
	}
}

func TestMaybePruneInvoicesRemovesStaleUnsettled(t *testing.T) {
	t.Parallel()

	r, db := newTestReconciler(t, &fakeProvider{})
	r.lastPrune = time.Now().Add(-2 * pruneInterval)

	stale := models.Invoice{
		ID:        uuid.NewString(),
		UserID:    uuid.NewString(),
		RHash:     "stale",
		ExpiresAt: time.Now().Add(-48 * time.Hour),
	}
	settled := models.Invoice{
		ID:        uuid.NewString(),
		UserID:    uuid.NewString(),
		RHash:     "settled",
		Settled:   true,
		ExpiresAt: time.Now().Add(-48 * time.Hour),
	}
	fresh := models.Invoice{
		ID:        uuid.NewString(),
		UserID:    uuid.NewString(),
		RHash:     "fresh",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, inv := range []models.Invoice{stale, settled, fresh} {
		inv := inv
		if err := db.Create(&inv).Error; err != nil {
			t.Fatalf("seed invoice: %v", err)
		}
	}

	r.maybePruneInvoices(context.Background())

	var hashes []string
	db.Model(&models.Invoice{}).Pluck("r_hash", &hashes)
	if len(hashes) != 2 {
		t.Fatalf("expected stale unsettled invoice pruned, remaining %v", hashes)
	}
	for _, h := range hashes {
		if h == "stale" {
			t.Fatalf("stale unsettled invoice should have been pruned")
		}
	}
}
