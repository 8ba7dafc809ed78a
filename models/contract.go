package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Contract struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"size:64;index;not null" json:"tenant_id"`
	DealId    *int            `gorm:"uniqueIndex" json:"deal_id"`
	Title     string          `gorm:"size:255;not null" json:"title"`
	Value     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"value"`
	StartDate *time.Time      `json:"start_date"`
	EndDate   *time.Time      `gorm:"index" json:"end_date"`
	Status    ContractStatus  `gorm:"size:20;index;not null" json:"status"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contract) RecordType() EntityType { return EntityContract }
func (c Contract) GetID() int           { return c.ID }
func (c Contract) GetTenantId() string  { return c.TenantId }
func (c Contract) GetStatus() string    { return string(c.Status) }
