package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product stock is only changed through the ledger. Version is bumped on every ledger write.
type Product struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	TenantId           string          `gorm:"size:64;index;not null;uniqueIndex:uniq_product_sku,priority:1" json:"tenant_id"`
	Sku                string          `gorm:"size:100;not null;uniqueIndex:uniq_product_sku,priority:2" json:"sku"`
	Name               string          `gorm:"size:255;not null" json:"name"`
	Price              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	Stock              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock"`
	ReservedQuantity   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved_quantity"`
	MinStock           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"min_stock"`
	IsBundle           bool            `gorm:"not null;default:false" json:"is_bundle"`
	LowStockNotifiedAt *time.Time      `json:"low_stock_notified_at"`
	Version            int             `gorm:"not null;default:0" json:"version"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Pseudo statuses used to key product automations.
const (
	ProductStatusOK       = "OK"
	ProductStatusLowStock = "LOW_STOCK"
)

func (Product) RecordType() EntityType { return EntityProduct }
func (p Product) GetID() int           { return p.ID }
func (p Product) GetTenantId() string  { return p.TenantId }

func (p Product) GetStatus() string {
	if p.BelowMinStock() {
		return ProductStatusLowStock
	}
	return ProductStatusOK
}

// Available is stock not held by reservations.
func (p Product) Available() decimal.Decimal {
	return p.Stock.Sub(p.ReservedQuantity)
}

func (p Product) BelowMinStock() bool {
	return p.MinStock.IsPositive() && p.Stock.LessThan(p.MinStock)
}

// BundleItem is one component line of a bundle product.
type BundleItem struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	TenantId           string          `gorm:"size:64;index;not null" json:"tenant_id"`
	BundleProductId    int             `gorm:"index;not null" json:"bundle_product_id"`
	ComponentProductId int             `gorm:"index;not null" json:"component_product_id"`
	Quantity           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b BundleItem) GetID() int                   { return b.ID }
func (b BundleItem) GetProductId() int            { return b.ComponentProductId }
func (b BundleItem) GetQuantity() decimal.Decimal { return b.Quantity }
