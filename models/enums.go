package models

import "strings"

type EntityType string

const (
	EntityDeal        EntityType = "DEAL"
	EntityQuote       EntityType = "QUOTE"
	EntityInvoice     EntityType = "INVOICE"
	EntityInvoiceItem EntityType = "INVOICE_ITEM"
	EntityShipment    EntityType = "SHIPMENT"
	EntityContract    EntityType = "CONTRACT"
	EntityReturnOrder EntityType = "RETURN_ORDER"
	EntityPaymentPlan EntityType = "PAYMENT_PLAN"
	EntityProduct     EntityType = "PRODUCT"
	EntityTask        EntityType = "TASK"
	EntityFinance     EntityType = "FINANCE_ENTRY"
)

// ParseEntityType accepts "return_order", "return-order", "RETURN_ORDER" and plural route segments.
func ParseEntityType(s string) (EntityType, bool) {
	s = strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))
	aliases := map[string]EntityType{
		"DEALS":         EntityDeal,
		"QUOTES":        EntityQuote,
		"INVOICES":      EntityInvoice,
		"INVOICE_ITEMS": EntityInvoiceItem,
		"SHIPMENTS":     EntityShipment,
		"CONTRACTS":     EntityContract,
		"RETURN_ORDERS": EntityReturnOrder,
		"PAYMENT_PLANS": EntityPaymentPlan,
		"PRODUCTS":      EntityProduct,
	}
	if t, ok := aliases[s]; ok {
		return t, true
	}
	switch t := EntityType(s); t {
	case EntityDeal, EntityQuote, EntityInvoice, EntityInvoiceItem, EntityShipment,
		EntityContract, EntityReturnOrder, EntityPaymentPlan, EntityProduct:
		return t, true
	}
	return "", false
}

// StatusDelete is the pseudo target status used to ask whether a record may be deleted.
const StatusDelete = "DELETE"

type DealStatus string

const (
	DealStatusLead        DealStatus = "LEAD"
	DealStatusContacted   DealStatus = "CONTACTED"
	DealStatusDemo        DealStatus = "DEMO"
	DealStatusProposal    DealStatus = "PROPOSAL"
	DealStatusNegotiation DealStatus = "NEGOTIATION"
	DealStatusWon         DealStatus = "WON"
	DealStatusLost        DealStatus = "LOST"
)

type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "DRAFT"
	QuoteStatusSent     QuoteStatus = "SENT"
	QuoteStatusAccepted QuoteStatus = "ACCEPTED"
	QuoteStatusDeclined QuoteStatus = "DECLINED"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusSent      InvoiceStatus = "SENT"
	InvoiceStatusShipped   InvoiceStatus = "SHIPPED"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusOverdue   InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

type InvoiceType string

const (
	InvoiceTypeSales    InvoiceType = "SALES"
	InvoiceTypePurchase InvoiceType = "PURCHASE"
)

type ShipmentStatus string

const (
	ShipmentStatusDraft     ShipmentStatus = "DRAFT"
	ShipmentStatusPending   ShipmentStatus = "PENDING"
	ShipmentStatusApproved  ShipmentStatus = "APPROVED"
	ShipmentStatusInTransit ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusDelivered ShipmentStatus = "DELIVERED"
	ShipmentStatusCancelled ShipmentStatus = "CANCELLED"
)

type ContractStatus string

const (
	ContractStatusDraft      ContractStatus = "DRAFT"
	ContractStatusActive     ContractStatus = "ACTIVE"
	ContractStatusExpired    ContractStatus = "EXPIRED"
	ContractStatusTerminated ContractStatus = "TERMINATED"
)

type ReturnOrderStatus string

const (
	ReturnOrderStatusDraft     ReturnOrderStatus = "DRAFT"
	ReturnOrderStatusPending   ReturnOrderStatus = "PENDING"
	ReturnOrderStatusApproved  ReturnOrderStatus = "APPROVED"
	ReturnOrderStatusCompleted ReturnOrderStatus = "COMPLETED"
)

type PaymentPlanStatus string

const (
	PaymentPlanStatusDraft     PaymentPlanStatus = "DRAFT"
	PaymentPlanStatusActive    PaymentPlanStatus = "ACTIVE"
	PaymentPlanStatusCompleted PaymentPlanStatus = "COMPLETED"
	PaymentPlanStatusDefaulted PaymentPlanStatus = "DEFAULTED"
	PaymentPlanStatusCancelled PaymentPlanStatus = "CANCELLED"
)

type MovementType string

const (
	MovementIn      MovementType = "IN"
	MovementOut     MovementType = "OUT"
	MovementReserve MovementType = "RESERVE"
	MovementRelease MovementType = "RELEASE"
)

type StockReason string

const (
	StockReasonSale         StockReason = "SALE"
	StockReasonPurchase     StockReason = "PURCHASE"
	StockReasonReturn       StockReason = "RETURN"
	StockReasonReversal     StockReason = "REVERSAL"
	StockReasonAdjustment   StockReason = "ADJUSTMENT"
	StockReasonReservation  StockReason = "RESERVATION"
	StockReasonCancellation StockReason = "CANCELLATION"
)

type TaskKind string

const (
	TaskKindQuoteRevision   TaskKind = "QUOTE_REVISION"
	TaskKindLossAnalysis    TaskKind = "LOSS_ANALYSIS"
	TaskKindPaymentReminder TaskKind = "PAYMENT_REMINDER"
	TaskKindRenewal         TaskKind = "CONTRACT_RENEWAL"
)

type TaskStatus string

const (
	TaskStatusOpen TaskStatus = "OPEN"
	TaskStatusDone TaskStatus = "DONE"
)

type FinanceEntryType string

const (
	FinanceEntryPaymentIncome   FinanceEntryType = "PAYMENT_INCOME"
	FinanceEntryShippingExpense FinanceEntryType = "SHIPPING_EXPENSE"
)

type NotificationChannel string

const (
	ChannelEmail    NotificationChannel = "EMAIL"
	ChannelSMS      NotificationChannel = "SMS"
	ChannelWhatsApp NotificationChannel = "WHATSAPP"
)
