package models

import (
	"fmt"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Deal{}, &Quote{}, &QuoteItem{},
		&Invoice{}, &InvoiceItem{}, &Shipment{},
		&Contract{}, &ReturnOrder{}, &ReturnOrderItem{},
		&PaymentPlan{}, &PaymentInstallment{},
		&Product{}, &BundleItem{}, &StockMovement{},
		&ActivityLog{}, &Task{}, &FinanceEntry{},
		&TransitionEvent{}, &IdempotencyKey{},
		&NotificationLog{}, &TeamMember{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
