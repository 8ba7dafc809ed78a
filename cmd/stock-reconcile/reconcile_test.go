package main

import (
	"bytes"
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func movement(id int, prevStock, newStock, prevRes, newRes string) models.StockMovement {
	return models.StockMovement{
		ID:               id,
		TenantId:         "tenant-a",
		ProductId:        1,
		Type:             models.MovementOut,
		Reason:           models.StockReasonSale,
		PreviousStock:    d(prevStock),
		NewStock:         d(newStock),
		PreviousReserved: d(prevRes),
		NewReserved:      d(newRes),
	}
}

func issues(findings []Finding) map[string]int {
	out := map[string]int{}
	for _, f := range findings {
		out[f.Issue]++
	}
	return out
}

func TestReconcileProduct(t *testing.T) {
	p := models.Product{ID: 1, Sku: "SKU-1", Stock: d("15"), ReservedQuantity: d("0")}
	clean := []models.StockMovement{
		movement(1, "20", "20", "0", "5"),
		movement(2, "20", "15", "5", "0"),
	}
	if got := reconcileProduct(p, clean); len(got) != 0 {
		t.Fatalf("expected a clean ledger, got %+v", got)
	}

	broken := []models.StockMovement{
		movement(1, "20", "20", "0", "5"),
		movement(2, "18", "13", "5", "0"),
	}
	got := issues(reconcileProduct(p, broken))
	if got[issueBrokenChain] != 1 || got[issueLedgerMismatch] != 1 {
		t.Fatalf("expected one broken link and a stock mismatch, got %v", got)
	}

	bad := models.Product{ID: 1, Sku: "SKU-1", Stock: d("-1"), ReservedQuantity: d("3")}
	got = issues(reconcileProduct(bad, nil))
	if got[issueNegativeStock] != 1 || got[issueOverReserved] != 1 {
		t.Fatalf("expected negative and over-reserved flags, got %v", got)
	}
}

func TestReconcileTenant_ReportsOnlyThatTenant(t *testing.T) {
	db, err := config.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mine := models.Product{TenantId: "tenant-a", Sku: "A", Name: "A", Stock: d("10")}
	theirs := models.Product{TenantId: "tenant-b", Sku: "B", Name: "B", Stock: d("-4")}
	for _, p := range []*models.Product{&mine, &theirs} {
		if err := db.Create(p).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	m := movement(0, "0", "12", "0", "0")
	m.ProductId = mine.ID
	m.Type = models.MovementIn
	m.Reason = models.StockReasonPurchase
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("seed movement: %v", err)
	}

	findings, products, err := reconcileTenant(context.Background(), db, "tenant-a")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if products != 1 || len(findings) != 1 || findings[0].Issue != issueLedgerMismatch {
		t.Fatalf("expected one mismatch for tenant-a, got %d products %+v", products, findings)
	}

	data, err := buildReport("tenant-a", findings)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer f.Close()
	issue, err := f.GetCellValue(reportSheet, "D2")
	if err != nil || issue != issueLedgerMismatch {
		t.Fatalf("expected the finding in row 2, got %q %v", issue, err)
	}
}
