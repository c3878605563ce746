package token

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/models"
)

type fakeMinter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeMinter) CreatePlaybackID(ctx context.Context, streamID, policy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return fmt.Sprintf("playback-%d", f.calls), nil
}

func (f *fakeMinter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T) (*Store, *fakeMinter, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory sqlite gives every pooled connection its own database, so
	// pin the pool to one connection for the concurrent tests.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.StreamToken{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	minter := &fakeMinter{}
	return NewStore(db, minter, zerolog.Nop()), minter, db
}

func testStream() *models.Livestream {
	return &models.Livestream{
		ID:               uuid.NewString(),
		UserID:           uuid.NewString(),
		ProviderStreamID: "provider-1",
	}
}

func TestCreateOrExtendMintsNewToken(t *testing.T) {
	t.Parallel()

	store, minter, _ := newTestStore(t)
	stream := testStream()
	viewer := uuid.NewString()

	before := time.Now()
	tok, err := store.CreateOrExtend(context.Background(), viewer, stream, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tok.PlaybackToken != "playback-1" {
		t.Fatalf("expected minted playback id, got %q", tok.PlaybackToken)
	}
	if minter.count() != 1 {
		t.Fatalf("expected one mint call, got %d", minter.count())
	}
	if tok.ExpiresAt.Before(before.Add(time.Hour)) || tok.ExpiresAt.After(time.Now().Add(time.Hour)) {
		t.Fatalf("new token expiry should be about an hour out, got %v", tok.ExpiresAt)
	}
}

func TestCreateOrExtendExtendsFromCurrentExpiry(t *testing.T) {
	t.Parallel()

	store, minter, _ := newTestStore(t)
	stream := testStream()
	viewer := uuid.NewString()
	ctx := context.Background()

	first, err := store.CreateOrExtend(ctx, viewer, stream, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateOrExtend(ctx, viewer, stream, 30*time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}

	if got, want := second.ExpiresAt, first.ExpiresAt.Add(30*time.Minute); !got.Equal(want) {
		t.Fatalf("extension should stack on prior expiry: got %v, want %v", got, want)
	}
	if second.ID != first.ID {
		t.Fatalf("extension must reuse the existing row")
	}
	if minter.count() != 1 {
		t.Fatalf("extension must not mint a new playback id, got %d mints", minter.count())
	}
}

func TestCreateOrExtendLapsedTokenGetsNoGracePeriod(t *testing.T) {
	t.Parallel()

	store, _, db := newTestStore(t)
	stream := testStream()
	viewer := uuid.NewString()

	expired := models.StreamToken{
		ID:            uuid.NewString(),
		UserID:        viewer,
		LivestreamID:  stream.ID,
		PlaybackToken: "playback-old",
		ExpiresAt:     time.Now().Add(-2 * time.Hour),
	}
	if err := db.Create(&expired).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}

	tok, err := store.CreateOrExtend(context.Background(), viewer, stream, time.Hour)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	// 1h added to an expiry 2h in the past still lands in the past.
	if got, want := tok.ExpiresAt, expired.ExpiresAt.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("expected extension from stale expiry: got %v, want %v", got, want)
	}
	if tok.Valid(time.Now()) {
		t.Fatalf("token should remain expired")
	}
}

func TestCreateOrExtendConcurrentSettlementsProduceOneRow(t *testing.T) {
	t.Parallel()

	store, minter, db := newTestStore(t)
	stream := testStream()
	viewer := uuid.NewString()
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateOrExtend(ctx, viewer, stream, time.Minute); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent upsert: %v", err)
	}

	var count int64
	db.Model(&models.StreamToken{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one token row, got %d", count)
	}
	if minter.count() != 1 {
		t.Fatalf("expected exactly one mint, got %d", minter.count())
	}

	tok, err := store.Find(ctx, viewer, stream.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	// One creation plus seven one-minute extensions.
	if remaining := time.Until(tok.ExpiresAt); remaining < 7*time.Minute || remaining > 8*time.Minute {
		t.Fatalf("expected all grants applied, remaining %v", remaining)
	}
}

func TestCreateOrExtendAcrossInstancesLosesNoGrant(t *testing.T) {
	t.Parallel()

	// Two stores over one database stand in for two replicas: their
	// per-pair locks are independent, so only the guarded update and the
	// unique index keep concurrent settlements from losing grants.
	storeA, minter, db := newTestStore(t)
	storeB := NewStore(db, minter, zerolog.Nop())
	stream := testStream()
	viewer := uuid.NewString()
	ctx := context.Background()

	const perStore = 3
	var wg sync.WaitGroup
	errs := make(chan error, 2*perStore)
	for _, store := range []*Store{storeA, storeB} {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(s *Store) {
				defer wg.Done()
				if _, err := s.CreateOrExtend(ctx, viewer, stream, time.Minute); err != nil {
					errs <- err
				}
			}(store)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("cross-instance upsert: %v", err)
	}

	var count int64
	db.Model(&models.StreamToken{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one token row, got %d", count)
	}

	tok, err := storeA.Find(ctx, viewer, stream.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	// One creation plus five one-minute extensions, regardless of which
	// instance applied each.
	if remaining := time.Until(tok.ExpiresAt); remaining < 5*time.Minute || remaining > 6*time.Minute {
		t.Fatalf("expected all grants applied, remaining %v", remaining)
	}
}

func TestFindReturnsNilWhenAbsent(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	tok, err := store.Find(context.Background(), uuid.NewString(), uuid.NewString())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tok != nil {
		t.Fatalf("expected nil token, got %+v", tok)
	}
}
