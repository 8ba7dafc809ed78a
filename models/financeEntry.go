package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FinanceEntry records money events raised by automations. One entry per (type, source record).
type FinanceEntry struct {
	ID           int              `gorm:"primary_key" json:"id"`
	TenantId     string           `gorm:"size:64;not null;index;uniqueIndex:uniq_finance_source,priority:1" json:"tenant_id"`
	Type         FinanceEntryType `gorm:"size:32;not null;uniqueIndex:uniq_finance_source,priority:2" json:"type"`
	SourceEntity EntityType       `gorm:"size:32;not null;uniqueIndex:uniq_finance_source,priority:3" json:"source_entity"`
	SourceId     int              `gorm:"not null;uniqueIndex:uniq_finance_source,priority:4" json:"source_id"`
	Amount       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description  string           `gorm:"type:text" json:"description"`
	EntryDate    time.Time        `gorm:"not null" json:"entry_date"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
}
