package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Quote struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;index;not null" json:"tenant_id"`
	DealId        *int            `gorm:"index" json:"deal_id"`
	QuoteNumber   string          `gorm:"size:100" json:"quote_number"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	CustomerEmail string          `gorm:"size:255" json:"customer_email"`
	CustomerPhone string          `gorm:"size:50" json:"customer_phone"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	Status        QuoteStatus     `gorm:"size:20;index;not null" json:"status"`
	Items         []QuoteItem     `gorm:"foreignKey:QuoteId" json:"items"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QuoteItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"size:64;index;not null" json:"tenant_id"`
	QuoteId   int             `gorm:"index;not null" json:"quote_id"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Total     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Quote) RecordType() EntityType { return EntityQuote }
func (q Quote) GetID() int           { return q.ID }
func (q Quote) GetTenantId() string  { return q.TenantId }
func (q Quote) GetStatus() string    { return string(q.Status) }

func (i QuoteItem) GetID() int                   { return i.ID }
func (i QuoteItem) GetProductId() int            { return i.ProductId }
func (i QuoteItem) GetQuantity() decimal.Decimal { return i.Quantity }
