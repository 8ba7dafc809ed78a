package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const invoiceTermDays = 30

// RecordFactory materializes the dependent records automations create. Every create first
// looks the record up by its link (foreign key or unique source key) and returns the existing
// one, so a replayed event never creates a second row.
type RecordFactory struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRecordFactory(db *gorm.DB) *RecordFactory {
	return &RecordFactory{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithDB binds the factory to tx.
func (f *RecordFactory) WithDB(tx *gorm.DB) *RecordFactory {
	clone := *f
	clone.db = tx
	return &clone
}

type TaskInput struct {
	Kind         models.TaskKind `validate:"required"`
	Title        string          `validate:"required"`
	Description  string
	SourceEntity models.EntityType `validate:"required"`
	SourceId     int               `validate:"required,gt=0"`
	AssigneeRole string
	DueDate      *time.Time
}

func (f *RecordFactory) CreateTask(ctx context.Context, tenantId string, in TaskInput) (*models.Task, bool, error) {
	if err := utils.ValidateInput(in); err != nil {
		return nil, false, err
	}
	task := &models.Task{
		TenantId:     tenantId,
		Kind:         in.Kind,
		Title:        in.Title,
		Description:  in.Description,
		SourceEntity: in.SourceEntity,
		SourceId:     in.SourceId,
		AssigneeRole: in.AssigneeRole,
		DueDate:      in.DueDate,
		Status:       models.TaskStatusOpen,
	}
	return firstOrInsert(ctx, f.db, models.ScopeFor(tenantId), task,
		"kind = ? AND source_entity = ? AND source_id = ?", in.Kind, in.SourceEntity, in.SourceId)
}

type FinanceInput struct {
	Type         models.FinanceEntryType
	SourceEntity models.EntityType
	SourceId     int
	Amount       decimal.Decimal
	Description  string
	EntryDate    time.Time
}

func (f *RecordFactory) CreateFinanceEntry(ctx context.Context, tenantId string, in FinanceInput) (*models.FinanceEntry, bool, error) {
	entryDate := in.EntryDate
	if entryDate.IsZero() {
		entryDate = f.now()
	}
	entry := &models.FinanceEntry{
		TenantId:     tenantId,
		Type:         in.Type,
		SourceEntity: in.SourceEntity,
		SourceId:     in.SourceId,
		Amount:       in.Amount,
		Description:  in.Description,
		EntryDate:    entryDate,
	}
	return firstOrInsert(ctx, f.db, models.ScopeFor(tenantId), entry,
		"type = ? AND source_entity = ? AND source_id = ?", in.Type, in.SourceEntity, in.SourceId)
}

func (f *RecordFactory) CreateDraftContract(ctx context.Context, tenantId string, deal *models.Deal) (*models.Contract, bool, error) {
	dealId := deal.ID
	contract := &models.Contract{
		TenantId: tenantId,
		DealId:   &dealId,
		Title:    "Contract: " + deal.Title,
		Value:    deal.Value,
		Status:   models.ContractStatusDraft,
	}
	return firstOrInsert(ctx, f.db, models.ScopeFor(tenantId), contract, "deal_id = ?", deal.ID)
}

// CreateInvoiceFromQuote copies the quote's customer and lines into a DRAFT sales invoice.
// An invoice already linked to the quote is returned with its items loaded.
func (f *RecordFactory) CreateInvoiceFromQuote(ctx context.Context, tenantId string, quote *models.Quote) (*models.Invoice, bool, error) {
	scope := models.ScopeFor(tenantId)
	existing, err := models.FindRecords[models.Invoice](ctx, f.db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Preload("Items").Where("quote_id = ?", quote.ID).Limit(1)
	})
	if err != nil {
		return nil, false, err
	}
	if len(existing) > 0 {
		return &existing[0], false, nil
	}

	quoteId := quote.ID
	due := f.now().AddDate(0, 0, invoiceTermDays)
	inv := &models.Invoice{
		TenantId:      tenantId,
		Type:          models.InvoiceTypeSales,
		QuoteId:       &quoteId,
		InvoiceNumber: invoiceNumberFor(quote),
		CustomerName:  quote.CustomerName,
		CustomerEmail: quote.CustomerEmail,
		CustomerPhone: quote.CustomerPhone,
		Total:         quote.Total,
		DueDate:       &due,
		Status:        models.InvoiceStatusDraft,
	}
	for _, it := range quote.Items {
		inv.Items = append(inv.Items, models.InvoiceItem{
			TenantId:  tenantId,
			ProductId: it.ProductId,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Total:     it.Total,
		})
	}
	if err := models.InsertRecord(ctx, f.db, inv); err != nil {
		if !models.IsDuplicateKey(err) {
			return nil, false, err
		}
		existing, ferr := models.FindRecords[models.Invoice](ctx, f.db, scope, func(q *gorm.DB) *gorm.DB {
			return q.Preload("Items").Where("quote_id = ?", quote.ID).Limit(1)
		})
		if ferr != nil || len(existing) == 0 {
			return nil, false, err
		}
		return &existing[0], false, nil
	}
	return inv, true, nil
}

func (f *RecordFactory) CreatePendingShipment(ctx context.Context, tenantId string, inv *models.Invoice) (*models.Shipment, bool, error) {
	shipment := &models.Shipment{
		TenantId:  tenantId,
		InvoiceId: inv.ID,
		Status:    models.ShipmentStatusPending,
	}
	return firstOrInsert(ctx, f.db, models.ScopeFor(tenantId), shipment, "invoice_id = ?", inv.ID)
}

// firstOrInsert returns the first row matching cond, or inserts rec. A unique index race
// resolves to the row the other writer created.
func firstOrInsert[T any](ctx context.Context, db *gorm.DB, scope models.TenantScope, rec *T, cond string, args ...any) (*T, bool, error) {
	lookup := func() ([]T, error) {
		return models.FindRecords[T](ctx, db, scope, func(q *gorm.DB) *gorm.DB {
			return q.Where(cond, args...).Order("id ASC").Limit(1)
		})
	}
	found, err := lookup()
	if err != nil {
		return nil, false, err
	}
	if len(found) > 0 {
		return &found[0], false, nil
	}
	if err := models.InsertRecord(ctx, db, rec); err != nil {
		if !models.IsDuplicateKey(err) {
			return nil, false, err
		}
		found, ferr := lookup()
		if ferr != nil || len(found) == 0 {
			return nil, false, err
		}
		return &found[0], false, nil
	}
	return rec, true, nil
}

func invoiceNumberFor(q *models.Quote) string {
	if q.QuoteNumber != "" {
		return "INV-" + q.QuoteNumber
	}
	return fmt.Sprintf("INV-Q%d", q.ID)
}
