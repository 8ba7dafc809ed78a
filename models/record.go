package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// StatusRecord is a business record that moves through a status graph.
type StatusRecord interface {
	RecordType() EntityType
	GetID() int
	GetTenantId() string
	GetStatus() string
}

// LineItem is the shared shape of quote, invoice, return order and bundle lines.
type LineItem interface {
	GetID() int
	GetProductId() int
	GetQuantity() decimal.Decimal
}

// NewRecord returns an empty pointer model for a status-bearing entity type.
func NewRecord(t EntityType) (StatusRecord, error) {
	switch t {
	case EntityDeal:
		return &Deal{}, nil
	case EntityQuote:
		return &Quote{}, nil
	case EntityInvoice:
		return &Invoice{}, nil
	case EntityShipment:
		return &Shipment{}, nil
	case EntityContract:
		return &Contract{}, nil
	case EntityReturnOrder:
		return &ReturnOrder{}, nil
	case EntityPaymentPlan:
		return &PaymentPlan{}, nil
	default:
		return nil, fmt.Errorf("entity type %q has no status", t)
	}
}

// preloadsFor lists the associations automations need when a record is loaded generically.
func preloadsFor(t EntityType) []string {
	switch t {
	case EntityQuote:
		return []string{"Items"}
	case EntityInvoice:
		return []string{"Items"}
	case EntityReturnOrder:
		return []string{"Items"}
	case EntityPaymentPlan:
		return []string{"Installments"}
	default:
		return nil
	}
}
