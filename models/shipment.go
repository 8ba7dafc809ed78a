package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Shipment struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"size:64;index;not null" json:"tenant_id"`
	InvoiceId      int             `gorm:"index;not null" json:"invoice_id"`
	Carrier        string          `gorm:"size:100" json:"carrier"`
	TrackingNumber string          `gorm:"size:100" json:"tracking_number"`
	ShippingCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_cost"`
	Status         ShipmentStatus  `gorm:"size:20;index;not null" json:"status"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Shipment) RecordType() EntityType { return EntityShipment }
func (s Shipment) GetID() int           { return s.ID }
func (s Shipment) GetTenantId() string  { return s.TenantId }
func (s Shipment) GetStatus() string    { return string(s.Status) }
