package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReturnOrder struct {
	ID        int               `gorm:"primary_key" json:"id"`
	TenantId  string            `gorm:"size:64;index;not null" json:"tenant_id"`
	InvoiceId *int              `gorm:"index" json:"invoice_id"`
	Reason    string            `gorm:"type:text" json:"reason"`
	Status    ReturnOrderStatus `gorm:"size:20;index;not null" json:"status"`
	Items     []ReturnOrderItem `gorm:"foreignKey:ReturnOrderId" json:"items"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReturnOrderItem struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;index;not null" json:"tenant_id"`
	ReturnOrderId int             `gorm:"index;not null" json:"return_order_id"`
	ProductId     int             `gorm:"index;not null" json:"product_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ReturnOrder) RecordType() EntityType { return EntityReturnOrder }
func (r ReturnOrder) GetID() int           { return r.ID }
func (r ReturnOrder) GetTenantId() string  { return r.TenantId }
func (r ReturnOrder) GetStatus() string    { return string(r.Status) }

func (i ReturnOrderItem) GetID() int                   { return i.ID }
func (i ReturnOrderItem) GetProductId() int            { return i.ProductId }
func (i ReturnOrderItem) GetQuantity() decimal.Decimal { return i.Quantity }
