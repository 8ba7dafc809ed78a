package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvoiceItemInput struct {
	ProductId int             `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type InvoiceItemResult struct {
	Item              models.InvoiceItem `json:"item"`
	Invoice           models.Invoice     `json:"invoice"`
	AutomationResults []AutomationResult `json:"automation_results"`
}

// AddInvoiceItem appends a line to an editable invoice and runs the line's stock automation.
func (e *Engine) AddInvoiceItem(ctx context.Context, actor guard.Actor, invoiceId int, in InvoiceItemInput) (*InvoiceItemResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.AddInvoiceItem")
	defer span.End()

	if err := utils.ValidateInput(in); err != nil {
		return nil, err
	}
	if !in.Quantity.IsPositive() {
		return nil, utils.NewValidationError("quantity", "gt")
	}
	if in.UnitPrice.IsNegative() {
		return nil, utils.NewValidationError("unit_price", "gte")
	}
	authorized, err := e.guard.Authorize(actor, guard.Operation{EntityType: models.EntityInvoiceItem, Capability: guard.CapabilityUpdate})
	if err != nil {
		return nil, err
	}
	inv, err := models.FetchRecord[models.Invoice](authorized.WithContext(ctx), e.db, authorized.Scope(), invoiceId)
	if err != nil {
		return nil, err
	}
	ac, err := authorized.ForRecord(inv.TenantId)
	if err != nil {
		return nil, err
	}
	ctx = ac.WithContext(ctx)
	if err := e.validator.CanEdit(models.EntityInvoice, string(inv.Status)); err != nil {
		return nil, err
	}
	if inv.Type != models.InvoiceTypePurchase {
		if err := e.salesLinesOpen(ctx, ac.Scope(), inv); err != nil {
			return nil, err
		}
	}
	if _, err := models.FetchRecord[models.Product](ctx, e.db, ac.Scope(), in.ProductId); err != nil {
		return nil, err
	}

	item := models.InvoiceItem{
		TenantId:  ac.TenantId,
		InvoiceId: inv.ID,
		ProductId: in.ProductId,
		Quantity:  in.Quantity,
		UnitPrice: in.UnitPrice,
		Total:     in.Quantity.Mul(in.UnitPrice),
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.InsertRecord(ctx, tx, &item); err != nil {
			return err
		}
		return models.UpdateRecord(ctx, tx, ac.Scope(), &models.Invoice{}, inv.ID, map[string]any{
			"total": gorm.Expr("total + ?", item.Total),
		})
	})
	if err != nil {
		return nil, err
	}

	fresh, err := models.FetchRecord[models.Invoice](ctx, e.db, ac.Scope(), inv.ID)
	if err != nil {
		return nil, err
	}
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      models.EntityInvoice,
		EntityId:    inv.ID,
		Action:      "item_added",
		Description: fmt.Sprintf("Added %s x product %d", item.Quantity.String(), item.ProductId),
		Meta:        map[string]any{"invoice_item_id": item.ID, "product_id": item.ProductId},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})

	return &InvoiceItemResult{
		Item:              item,
		Invoice:           *fresh,
		AutomationResults: e.dispatch(ctx, ac, &item),
	}, nil
}

// salesLinesOpen rejects new lines once a sales invoice has left the reservable statuses or its
// shipment was approved: such a line would never be reserved or shipped.
func (e *Engine) salesLinesOpen(ctx context.Context, scope models.TenantScope, inv *models.Invoice) error {
	switch inv.Status {
	case models.InvoiceStatusDraft, models.InvoiceStatusSent, models.InvoiceStatusOverdue:
	default:
		return utils.NewValidationError("invoice_id", "already_shipped")
	}
	shipped, err := models.ExistsWhere(ctx, e.db, scope, &models.Shipment{}, "invoice_id = ? AND status IN ?", inv.ID,
		[]models.ShipmentStatus{models.ShipmentStatusApproved, models.ShipmentStatusInTransit, models.ShipmentStatusDelivered})
	if err != nil {
		return err
	}
	if shipped {
		return utils.NewValidationError("invoice_id", "already_shipped")
	}
	return nil
}
