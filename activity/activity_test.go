package activity

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"gorm.io/gorm"
)

func newWriter(t *testing.T) (*gorm.DB, *Writer) {
	t.Helper()
	db, err := config.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, NewWriter(db, nil)
}

func TestRecord_AppendsAndTimelineIsScoped(t *testing.T) {
	_, w := newWriter(t)
	ctx := context.Background()

	w.Record(ctx, Entry{TenantId: "tenant-a", Entity: models.EntityShipment, EntityId: 4, Action: "status_changed",
		Description: "Shipment moved from PENDING to APPROVED", Meta: map[string]string{"from": "PENDING"}, ActorId: "u1"})
	w.Record(ctx, Entry{TenantId: "tenant-a", Entity: models.EntityShipment, EntityId: 4, Action: "stock_fulfilled",
		Description: "2 lines fulfilled"})
	w.Record(ctx, Entry{TenantId: "tenant-b", Entity: models.EntityShipment, EntityId: 4, Action: "status_changed",
		Description: "other tenant"})

	rows, err := w.Timeline(ctx, models.ScopeFor("tenant-a"), models.EntityShipment, 4)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for tenant-a, got %d", len(rows))
	}
	if rows[0].Action != "status_changed" || rows[0].Meta != `{"from":"PENDING"}` {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	if rows[1].Meta != "" {
		t.Fatalf("nil meta should be stored empty, got %q", rows[1].Meta)
	}
}

func TestRecord_NeverFails(t *testing.T) {
	db, w := newWriter(t)
	ctx := context.Background()

	// missing tenant and invalid input are dropped, not returned
	w.Record(ctx, Entry{Entity: models.EntityDeal, EntityId: 1, Action: "x", Description: "y"})
	w.Record(ctx, Entry{TenantId: "tenant-a", Entity: models.EntityDeal, Action: "x", Description: "y"})

	var count int64
	db.Model(&models.ActivityLog{}).Count(&count)
	if count != 0 {
		t.Fatalf("invalid entries must not be written, got %d", count)
	}

	sqlDB, _ := db.DB()
	_ = sqlDB.Close()
	w.Record(ctx, Entry{TenantId: "tenant-a", Entity: models.EntityDeal, EntityId: 1, Action: "x", Description: "y"})

	var nilWriter *Writer
	nilWriter.Record(ctx, Entry{TenantId: "tenant-a"})
}
