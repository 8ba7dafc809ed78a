package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Deal struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;index;not null" json:"tenant_id"`
	Title         string          `gorm:"size:255;not null" json:"title"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	CustomerEmail string          `gorm:"size:255" json:"customer_email"`
	Value         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"value"`
	Status        DealStatus      `gorm:"size:20;index;not null" json:"status"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Deal) RecordType() EntityType { return EntityDeal }
func (d Deal) GetID() int           { return d.ID }
func (d Deal) GetTenantId() string  { return d.TenantId }
func (d Deal) GetStatus() string    { return string(d.Status) }
