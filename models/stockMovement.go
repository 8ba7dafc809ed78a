package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrAppendOnly = errors.New("append-only ledger rows cannot be changed")

// StockMovement is one ledger row. Rows are insert-only; history is corrected with new rows.
type StockMovement struct {
	ID               int             `gorm:"primary_key" json:"id"`
	TenantId         string          `gorm:"size:64;not null;index;uniqueIndex:uniq_movement_dedupe,priority:1" json:"tenant_id"`
	ProductId        int             `gorm:"index;not null" json:"product_id"`
	Type             MovementType    `gorm:"size:16;not null;index" json:"type"`
	Reason           StockReason     `gorm:"size:32;not null" json:"reason"`
	Quantity         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	PreviousStock    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"previous_stock"`
	NewStock         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"new_stock"`
	PreviousReserved decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"previous_reserved"`
	NewReserved      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"new_reserved"`
	RelatedEntity    EntityType      `gorm:"size:32;index:idx_movement_related,priority:1" json:"related_entity"`
	RelatedId        int             `gorm:"index:idx_movement_related,priority:2" json:"related_id"`
	RelatedLineId    int             `json:"related_line_id"`
	DedupeKey        *string         `gorm:"size:191;uniqueIndex:uniq_movement_dedupe,priority:2" json:"dedupe_key"`
	ActorId          string          `gorm:"size:64" json:"actor_id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (m *StockMovement) BeforeUpdate(tx *gorm.DB) error { return ErrAppendOnly }

func (m *StockMovement) BeforeDelete(tx *gorm.DB) error { return ErrAppendOnly }

// StockDelta is the signed change to on-hand stock carried by this row.
func (m StockMovement) StockDelta() decimal.Decimal {
	return m.NewStock.Sub(m.PreviousStock)
}

func (m StockMovement) ReservedDelta() decimal.Decimal {
	return m.NewReserved.Sub(m.PreviousReserved)
}
