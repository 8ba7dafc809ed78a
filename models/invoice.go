package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;index;not null" json:"tenant_id"`
	Type          InvoiceType     `gorm:"size:16;index;not null;default:'SALES'" json:"type"`
	QuoteId       *int            `gorm:"uniqueIndex" json:"quote_id"`
	InvoiceNumber string          `gorm:"size:100" json:"invoice_number"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	CustomerEmail string          `gorm:"size:255" json:"customer_email"`
	CustomerPhone string          `gorm:"size:50" json:"customer_phone"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	AmountPaid    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_paid"`
	DueDate       *time.Time      `gorm:"index" json:"due_date"`
	Status        InvoiceStatus   `gorm:"size:20;index;not null" json:"status"`
	Items         []InvoiceItem   `gorm:"foreignKey:InvoiceId" json:"items"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"size:64;index;not null" json:"tenant_id"`
	InvoiceId int             `gorm:"index;not null" json:"invoice_id"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Total     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Invoice) RecordType() EntityType { return EntityInvoice }
func (i Invoice) GetID() int           { return i.ID }
func (i Invoice) GetTenantId() string  { return i.TenantId }
func (i Invoice) GetStatus() string    { return string(i.Status) }

// Outstanding is the unpaid balance, never negative.
func (i Invoice) Outstanding() decimal.Decimal {
	out := i.Total.Sub(i.AmountPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// LineStatusCreated keys the automation that runs when a line is added.
const LineStatusCreated = "CREATED"

func (InvoiceItem) RecordType() EntityType         { return EntityInvoiceItem }
func (i InvoiceItem) GetTenantId() string          { return i.TenantId }
func (i InvoiceItem) GetStatus() string            { return LineStatusCreated }
func (i InvoiceItem) GetID() int                   { return i.ID }
func (i InvoiceItem) GetProductId() int            { return i.ProductId }
func (i InvoiceItem) GetQuantity() decimal.Decimal { return i.Quantity }
