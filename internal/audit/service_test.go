package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/models"
)

func newTestService(t *testing.T) (*Service, *events.Bus, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A pooled in-memory sqlite gives every connection its own database;
	// pin to one so the service goroutine and the test share state.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	bus := events.NewBus()
	return NewService(db, bus, zerolog.Nop()), bus, db
}

// publishUntilRecorded re-publishes until an entry lands, since the service
// subscribes asynchronously after Start.
func publishUntilRecorded(t *testing.T, bus *events.Bus, db *gorm.DB, eventType events.EventType, payload events.Payload) models.AuditLog {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventType, payload)
		time.Sleep(10 * time.Millisecond)

		var entry models.AuditLog
		if err := db.First(&entry).Error; err == nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("event %s never recorded", eventType)
		}
	}
}

func TestStartRecordsPublishedEvents(t *testing.T) {
	t.Parallel()

	svc, bus, db := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Start(ctx)

	viewerID := uuid.NewString()
	streamID := uuid.NewString()
	entry := publishUntilRecorded(t, bus, db, events.EventInvoiceIssued, events.Payload{
		"viewer_id": viewerID,
		"stream_id": streamID,
		"amount":    int64(500),
		"r_hash":    "abc123",
	})

	if entry.Action != models.AuditActionInvoiceIssued {
		t.Fatalf("action = %q, want %q", entry.Action, models.AuditActionInvoiceIssued)
	}
	if entry.UserID == nil || *entry.UserID != viewerID {
		t.Fatalf("user id not extracted from viewer_id")
	}
	if entry.StreamID == nil || *entry.StreamID != streamID {
		t.Fatalf("stream id not extracted")
	}
	if _, ok := entry.Details["r_hash"]; !ok {
		t.Fatalf("payment hash should land in details, got %v", entry.Details)
	}
	if _, ok := entry.Details["viewer_id"]; ok {
		t.Fatalf("extracted fields should not repeat in details")
	}
}

func TestStartRecordsSystemEventsWithoutActor(t *testing.T) {
	t.Parallel()

	svc, bus, db := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Start(ctx)

	streamID := uuid.NewString()
	entry := publishUntilRecorded(t, bus, db, events.EventStreamOffline, events.Payload{
		"stream_id":       streamID,
		"provider_status": "idle",
	})

	if entry.Action != models.AuditActionStreamOffline {
		t.Fatalf("action = %q", entry.Action)
	}
	if entry.UserID != nil {
		t.Fatalf("system event should carry no user id")
	}
	if entry.Details["provider_status"] != "idle" {
		t.Fatalf("provider status should land in details, got %v", entry.Details)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, action := range []models.AuditAction{
		models.AuditActionStreamCreated,
		models.AuditActionInvoiceIssued,
		models.AuditActionInvoiceSettled,
	} {
		err := svc.Log(ctx, &models.AuditLog{
			ID:        uuid.NewString(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    action,
		})
		if err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	entries, err := svc.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit to apply, got %d entries", len(entries))
	}
	if entries[0].Action != models.AuditActionInvoiceSettled {
		t.Fatalf("newest entry should come first, got %q", entries[0].Action)
	}
}
