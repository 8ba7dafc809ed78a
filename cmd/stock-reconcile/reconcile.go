package main

import (
	"bytes"
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const (
	issueNegativeStock  = "NEGATIVE_STOCK"
	issueOverReserved   = "RESERVED_EXCEEDS_STOCK"
	issueBrokenChain    = "BROKEN_CHAIN"
	issueLedgerMismatch = "LEDGER_MISMATCH"
	reportSheet         = "Reconcile"
	xlsxContentType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Finding struct {
	ProductId  int
	Sku        string
	Issue      string
	MovementId int
	Expected   decimal.Decimal
	Actual     decimal.Decimal
	Detail     string
}

// reconcileProduct replays movements (oldest first) against the product's current counters.
func reconcileProduct(p models.Product, movements []models.StockMovement) []Finding {
	var out []Finding
	add := func(issue string, movementId int, expected, actual decimal.Decimal, detail string) {
		out = append(out, Finding{ProductId: p.ID, Sku: p.Sku, Issue: issue, MovementId: movementId, Expected: expected, Actual: actual, Detail: detail})
	}

	if p.Stock.IsNegative() {
		add(issueNegativeStock, 0, decimal.Zero, p.Stock, "product stock")
	}
	if p.ReservedQuantity.GreaterThan(p.Stock) {
		add(issueOverReserved, 0, p.Stock, p.ReservedQuantity, "product reserved")
	}

	for i, m := range movements {
		if m.NewStock.IsNegative() {
			add(issueNegativeStock, m.ID, decimal.Zero, m.NewStock, "movement new_stock")
		}
		if i == 0 {
			continue
		}
		prev := movements[i-1]
		if !m.PreviousStock.Equal(prev.NewStock) {
			add(issueBrokenChain, m.ID, prev.NewStock, m.PreviousStock, "previous_stock")
		}
		if !m.PreviousReserved.Equal(prev.NewReserved) {
			add(issueBrokenChain, m.ID, prev.NewReserved, m.PreviousReserved, "previous_reserved")
		}
	}

	if len(movements) > 0 {
		last := movements[len(movements)-1]
		if !last.NewStock.Equal(p.Stock) {
			add(issueLedgerMismatch, last.ID, last.NewStock, p.Stock, "stock")
		}
		if !last.NewReserved.Equal(p.ReservedQuantity) {
			add(issueLedgerMismatch, last.ID, last.NewReserved, p.ReservedQuantity, "reserved")
		}
	}
	return out
}

// reconcileTenant checks every product of one tenant.
func reconcileTenant(ctx context.Context, db *gorm.DB, tenantId string) ([]Finding, int, error) {
	var products []models.Product
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).Order("id").Find(&products).Error; err != nil {
		return nil, 0, err
	}
	var findings []Finding
	for _, p := range products {
		var movements []models.StockMovement
		if err := db.WithContext(ctx).
			Where("tenant_id = ? AND product_id = ?", tenantId, p.ID).
			Order("id").
			Find(&movements).Error; err != nil {
			return nil, 0, err
		}
		findings = append(findings, reconcileProduct(p, movements)...)
	}
	return findings, len(products), nil
}

func buildReport(tenantId string, findings []Finding) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return nil, err
	}
	headers := []string{"TenantId", "ProductId", "Sku", "Issue", "MovementId", "Expected", "Actual", "Detail"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(reportSheet, cell, h)
	}
	for i, fd := range findings {
		row := i + 2
		f.SetCellValue(reportSheet, "A"+fmt.Sprint(row), tenantId)
		f.SetCellValue(reportSheet, "B"+fmt.Sprint(row), fd.ProductId)
		f.SetCellValue(reportSheet, "C"+fmt.Sprint(row), fd.Sku)
		f.SetCellValue(reportSheet, "D"+fmt.Sprint(row), fd.Issue)
		f.SetCellValue(reportSheet, "E"+fmt.Sprint(row), fd.MovementId)
		f.SetCellValue(reportSheet, "F"+fmt.Sprint(row), fd.Expected.String())
		f.SetCellValue(reportSheet, "G"+fmt.Sprint(row), fd.Actual.String())
		f.SetCellValue(reportSheet, "H"+fmt.Sprint(row), fd.Detail)
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
