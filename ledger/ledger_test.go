package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ac = guard.System("tenant-a")

func setup(t *testing.T) (*gorm.DB, *Ledger) {
	t.Helper()
	db, err := config.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, New(db, nil, 5, nil)
}

func seedProduct(t *testing.T, db *gorm.DB, tenant, sku, stock, reserved string) models.Product {
	t.Helper()
	p := models.Product{TenantId: tenant, Sku: sku, Name: sku, Stock: d(stock), ReservedQuantity: d(reserved)}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return p
}

func reload(t *testing.T, db *gorm.DB, id int) models.Product {
	t.Helper()
	var p models.Product
	if err := db.First(&p, id).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	return p
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	db, l := setup(t)
	ctx := context.Background()
	p := seedProduct(t, db, "tenant-a", "SKU-1", "20", "3")

	if _, err := l.Reserve(ctx, ac, Request{ProductId: p.ID, Quantity: d("5")}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := reload(t, db, p.ID); !got.ReservedQuantity.Equal(d("8")) || !got.Stock.Equal(d("20")) {
		t.Fatalf("after reserve expected reserved=8 stock=20, got %s/%s", got.ReservedQuantity, got.Stock)
	}
	if _, err := l.Release(ctx, ac, Request{ProductId: p.ID, Quantity: d("5")}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := reload(t, db, p.ID); !got.ReservedQuantity.Equal(d("3")) {
		t.Fatalf("release should restore reserved to 3, got %s", got.ReservedQuantity)
	}
	movements, err := l.Movements(ctx, ac.Scope(), p.ID)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 2 || movements[0].Type != models.MovementReserve || movements[1].Type != models.MovementRelease {
		t.Fatalf("expected RESERVE then RELEASE, got %+v", movements)
	}
}

func TestDecrementIncrement_RestoresStockAndAppends(t *testing.T) {
	db, l := setup(t)
	ctx := context.Background()
	p := seedProduct(t, db, "tenant-a", "SKU-1", "20", "0")

	if _, err := l.Decrement(ctx, ac, Request{ProductId: p.ID, Quantity: d("5")}); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if _, err := l.Increment(ctx, ac, Request{ProductId: p.ID, Quantity: d("5"), Reason: models.StockReasonReversal}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got := reload(t, db, p.ID); !got.Stock.Equal(d("20")) {
		t.Fatalf("stock should be back to 20, got %s", got.Stock)
	}
	movements, _ := l.Movements(ctx, ac.Scope(), p.ID)
	if len(movements) != 2 {
		t.Fatalf("expected two appended movements, got %d", len(movements))
	}
	out, in := movements[0], movements[1]
	if out.Type != models.MovementOut || !out.PreviousStock.Equal(d("20")) || !out.NewStock.Equal(d("15")) {
		t.Fatalf("unexpected OUT row %+v", out)
	}
	if in.Type != models.MovementIn || in.Reason != models.StockReasonReversal || !in.PreviousStock.Equal(out.NewStock) {
		t.Fatalf("unexpected IN row %+v", in)
	}
}

func TestReserve_RejectsOverStock(t *testing.T) {
	db, l := setup(t)
	p := seedProduct(t, db, "tenant-a", "SKU-1", "4", "2")
	_, err := l.Reserve(context.Background(), ac, Request{ProductId: p.ID, Quantity: d("3")})
	var ise *utils.InsufficientStockError
	if !errors.As(err, &ise) || ise.Available != "2" {
		t.Fatalf("expected InsufficientStockError with available 2, got %v", err)
	}
	if got := reload(t, db, p.ID); !got.ReservedQuantity.Equal(d("2")) || got.Version != 0 {
		t.Fatalf("rejected reserve must not change the row, got %+v", got)
	}
	movements, _ := l.Movements(context.Background(), ac.Scope(), p.ID)
	if len(movements) != 0 {
		t.Fatalf("rejected reserve must not write a movement")
	}
}

func TestFloorsAtZero(t *testing.T) {
	db, l := setup(t)
	ctx := context.Background()
	p := seedProduct(t, db, "tenant-a", "SKU-1", "3", "2")

	if _, err := l.Release(ctx, ac, Request{ProductId: p.ID, Quantity: d("10")}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := reload(t, db, p.ID); !got.ReservedQuantity.IsZero() {
		t.Fatalf("reserved should floor at 0, got %s", got.ReservedQuantity)
	}
	if _, err := l.Reserve(ctx, ac, Request{ProductId: p.ID, Quantity: d("2")}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := l.Decrement(ctx, ac, Request{ProductId: p.ID, Quantity: d("10")})
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !res.Product.Stock.IsZero() || !res.Product.ReservedQuantity.IsZero() {
		t.Fatalf("stock floors at 0 and reserved is clamped to stock, got %s/%s", res.Product.Stock, res.Product.ReservedQuantity)
	}
}

func TestDecrement_ConsumeReservation(t *testing.T) {
	db, l := setup(t)
	ctx := context.Background()
	p := seedProduct(t, db, "tenant-a", "SKU-1", "20", "0")

	if _, err := l.Reserve(ctx, ac, Request{ProductId: p.ID, Quantity: d("5")}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := l.Decrement(ctx, ac, Request{ProductId: p.ID, Quantity: d("5"), ConsumeReservation: true})
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !res.Product.Stock.Equal(d("15")) || !res.Product.ReservedQuantity.IsZero() {
		t.Fatalf("expected stock=15 reserved=0, got %s/%s", res.Product.Stock, res.Product.ReservedQuantity)
	}
	if !res.Movement.ReservedDelta().Equal(d("-5")) {
		t.Fatalf("movement should record the consumed reservation, got %s", res.Movement.ReservedDelta())
	}
}

func TestDedupeKey_ReplaysWithoutChange(t *testing.T) {
	db, l := setup(t)
	ctx := context.Background()
	p := seedProduct(t, db, "tenant-a", "SKU-1", "20", "0")
	req := Request{ProductId: p.ID, Quantity: d("5"), DedupeKey: "shipment:7:line:1"}

	first, err := l.Decrement(ctx, ac, req)
	if err != nil || first.Replayed {
		t.Fatalf("first call should apply, got %+v %v", first, err)
	}
	second, err := l.Decrement(ctx, ac, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Movement.ID != first.Movement.ID {
		t.Fatalf("second call should replay movement %d, got %+v", first.Movement.ID, second)
	}
	if got := reload(t, db, p.ID); !got.Stock.Equal(d("15")) {
		t.Fatalf("replay must not decrement again, stock=%s", got.Stock)
	}
	ok, err := l.HasMovement(ctx, ac.Scope(), "shipment:7:line:1")
	if err != nil || !ok {
		t.Fatalf("HasMovement should find the key, ok=%v err=%v", ok, err)
	}
}

func TestCASMiss_RetriesThenSucceeds(t *testing.T) {
	db, l := setup(t)
	p := seedProduct(t, db, "tenant-a", "SKU-1", "20", "0")
	l.beforeWrite = func(tx *gorm.DB, attempt int, _ models.Product) {
		if attempt == 1 {
			// another writer takes 3 units between our read and our write
			tx.Exec("UPDATE products SET stock = stock - 3, version = version + 1 WHERE id = ?", p.ID)
		}
	}
	res, err := l.Decrement(context.Background(), ac, Request{ProductId: p.ID, Quantity: d("5")})
	if err != nil {
		t.Fatalf("decrement should succeed after retry: %v", err)
	}
	if !res.Movement.PreviousStock.Equal(d("17")) || !res.Product.Stock.Equal(d("12")) {
		t.Fatalf("retry must recompute from the re-read row, got prev=%s new=%s", res.Movement.PreviousStock, res.Product.Stock)
	}
}

func TestCASMiss_SurfacesConflictAfterRetries(t *testing.T) {
	db, l := setup(t)
	l.maxRetries = 3
	p := seedProduct(t, db, "tenant-a", "SKU-1", "20", "0")
	calls := 0
	l.beforeWrite = func(tx *gorm.DB, attempt int, _ models.Product) {
		calls++
		tx.Exec("UPDATE products SET version = version + 1 WHERE id = ?", p.ID)
	}
	_, err := l.Reserve(context.Background(), ac, Request{ProductId: p.ID, Quantity: d("1")})
	var cce *utils.ConcurrencyConflictError
	if !errors.As(err, &cce) || cce.Attempts != 3 {
		t.Fatalf("expected ConcurrencyConflictError after 3 attempts, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	movements, _ := l.Movements(context.Background(), ac.Scope(), p.ID)
	if len(movements) != 0 {
		t.Fatalf("failed attempts must not leave movements, got %d", len(movements))
	}
}

func TestTenantScope_OtherTenantProductNotFound(t *testing.T) {
	db, l := setup(t)
	p := seedProduct(t, db, "tenant-b", "SKU-1", "20", "0")
	_, err := l.Increment(context.Background(), ac, Request{ProductId: p.ID, Quantity: d("1")})
	var nf *utils.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for another tenant's product, got %v", err)
	}
	if got := reload(t, db, p.ID); !got.Stock.Equal(d("20")) {
		t.Fatalf("other tenant's stock must be untouched")
	}
}

func TestRejectsBadInput(t *testing.T) {
	_, l := setup(t)
	ctx := context.Background()
	if _, err := l.Reserve(ctx, ac, Request{ProductId: 1, Quantity: d("0")}); err == nil {
		t.Fatalf("zero quantity should be rejected")
	}
	if _, err := l.Reserve(ctx, guard.AuthorizedContext{}, Request{ProductId: 1, Quantity: d("1")}); err == nil {
		t.Fatalf("missing tenant should be rejected")
	}
}

func TestIncrement_ClearsLowStockFlag(t *testing.T) {
	db, l := setup(t)
	ctx := context.Background()
	p := seedProduct(t, db, "tenant-a", "SKU-1", "2", "0")
	db.Model(&models.Product{}).Where("id = ?", p.ID).Update("min_stock", d("5"))

	claimed, err := l.MarkLowStockNotified(ctx, ac.Scope(), p.ID, p.CreatedAt)
	if err != nil || !claimed {
		t.Fatalf("first claim should win, claimed=%v err=%v", claimed, err)
	}
	claimed, _ = l.MarkLowStockNotified(ctx, ac.Scope(), p.ID, p.CreatedAt)
	if claimed {
		t.Fatalf("second claim must lose")
	}
	if _, err := l.Increment(ctx, ac, Request{ProductId: p.ID, Quantity: d("4")}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got := reload(t, db, p.ID); got.LowStockNotifiedAt != nil {
		t.Fatalf("restock above min_stock should clear the notification flag")
	}
}

func TestExpandLines_Bundles(t *testing.T) {
	db, _ := setup(t)
	ctx := context.Background()
	bundle := seedProduct(t, db, "tenant-a", "KIT", "0", "0")
	db.Model(&models.Product{}).Where("id = ?", bundle.ID).Update("is_bundle", true)
	a := seedProduct(t, db, "tenant-a", "A", "10", "0")
	b := seedProduct(t, db, "tenant-a", "B", "10", "0")
	plain := seedProduct(t, db, "tenant-a", "C", "10", "0")
	db.Create(&models.BundleItem{TenantId: "tenant-a", BundleProductId: bundle.ID, ComponentProductId: a.ID, Quantity: d("2")})
	db.Create(&models.BundleItem{TenantId: "tenant-a", BundleProductId: bundle.ID, ComponentProductId: b.ID, Quantity: d("1")})

	items := []models.InvoiceItem{
		{ID: 1, ProductId: bundle.ID, Quantity: d("3")},
		{ID: 2, ProductId: plain.ID, Quantity: d("4")},
	}
	lines, err := ExpandLines(ctx, db, ac.Scope(), items)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %+v", lines)
	}
	if lines[0].ProductId != a.ID || !lines[0].Quantity.Equal(d("6")) || lines[0].ComponentOf != bundle.ID {
		t.Fatalf("unexpected first component %+v", lines[0])
	}
	if lines[2].ProductId != plain.ID || lines[2].ComponentOf != 0 {
		t.Fatalf("plain line should pass through, got %+v", lines[2])
	}
	if lines[0].DedupeKey("ship:1") == lines[1].DedupeKey("ship:1") {
		t.Fatalf("components of one line need distinct dedupe keys")
	}
}

func TestLockingRead_LocksOnMySQLOnly(t *testing.T) {
	my, err := gorm.Open(mysql.New(mysql.Config{DSN: "u:p@tcp(127.0.0.1:1)/records", SkipInitializeWithVersion: true}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open mysql dialector: %v", err)
	}
	read := func(tx *gorm.DB) *gorm.DB { return lockingRead(tx).First(&models.Product{}, 1) }
	if sql := my.ToSQL(read); !strings.Contains(sql, "FOR UPDATE") {
		t.Fatalf("mysql product read should lock the row, got %q", sql)
	}

	db, _ := setup(t)
	if sql := db.ToSQL(read); strings.Contains(sql, "FOR UPDATE") {
		t.Fatalf("sqlite has no row locks, got %q", sql)
	}
}

func TestWithDB_RetriesInsideOuterTransaction(t *testing.T) {
	db, l := setup(t)
	p := seedProduct(t, db, "tenant-a", "SKU-TX", "10", "0")
	err := db.Transaction(func(tx *gorm.DB) error {
		bound := l.WithDB(tx)
		bound.beforeWrite = func(inner *gorm.DB, attempt int, cur models.Product) {
			if attempt == 1 {
				inner.Exec("UPDATE products SET version = version + 1 WHERE id = ?", cur.ID)
			}
		}
		_, err := bound.Decrement(context.Background(), ac, Request{ProductId: p.ID, Quantity: d("4")})
		return err
	})
	if err != nil {
		t.Fatalf("decrement in outer tx: %v", err)
	}
	if got := reload(t, db, p.ID); !got.Stock.Equal(d("6")) {
		t.Fatalf("expected 6 after one retry, got %s", got.Stock)
	}
}
