package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"gorm.io/gorm"
)

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldDecimal
	fieldDate
)

// editableFields lists the columns UpdateFields may change per entity type. Status is
// never here; it only moves through RequestTransition.
var editableFields = map[models.EntityType]map[string]fieldKind{
	models.EntityDeal: {
		"title": fieldText, "customer_name": fieldText, "customer_email": fieldText, "value": fieldDecimal,
	},
	models.EntityQuote: {
		"quote_number": fieldText, "customer_name": fieldText, "customer_email": fieldText, "customer_phone": fieldText,
	},
	models.EntityInvoice: {
		"invoice_number": fieldText, "customer_name": fieldText, "customer_email": fieldText,
		"customer_phone": fieldText, "due_date": fieldDate,
	},
	models.EntityShipment: {
		"carrier": fieldText, "tracking_number": fieldText, "shipping_cost": fieldDecimal,
	},
	models.EntityContract: {
		"title": fieldText, "value": fieldDecimal, "start_date": fieldDate, "end_date": fieldDate,
	},
	models.EntityReturnOrder: {
		"reason": fieldText,
	},
}

// UpdateFields patches non-status fields. Records in an immutable status are left untouched.
func (e *Engine) UpdateFields(ctx context.Context, actor guard.Actor, t models.EntityType, id int, patch map[string]any) (models.StatusRecord, error) {
	ctx, span := tracer.Start(ctx, "workflow.UpdateFields")
	defer span.End()

	if len(patch) == 0 {
		return nil, utils.NewValidationError("patch", "required")
	}
	rec, ac, err := e.loadForUpdate(ctx, actor, t, id, guard.CapabilityUpdate)
	if err != nil {
		return nil, err
	}
	ctx = ac.WithContext(ctx)
	if err := e.validator.CanEdit(t, rec.GetStatus()); err != nil {
		return nil, err
	}
	values, err := coercePatch(t, patch)
	if err != nil {
		return nil, err
	}

	model, _ := models.NewRecord(t)
	n, err := models.UpdateWhere(ctx, e.db, ac.Scope(), model, values, "id = ? AND status = ?", id, rec.GetStatus())
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// the status moved after the edit check; re-check against the new one
		fresh, ferr := models.FetchStatusRecord(ctx, e.db, ac.Scope(), t, id)
		if ferr != nil {
			return nil, ferr
		}
		if err := e.validator.CanEdit(t, fresh.GetStatus()); err != nil {
			return nil, err
		}
		return nil, &utils.ConcurrencyConflictError{Resource: string(t), Id: id, Attempts: 1}
	}

	updated, err := models.FetchStatusRecord(ctx, e.db, ac.Scope(), t, id)
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(values))
	for k := range values {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      t,
		EntityId:    id,
		Action:      "fields_updated",
		Description: "Updated " + strings.Join(fields, ", "),
		Meta:        map[string]any{"fields": fields},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})
	return updated, nil
}

func coercePatch(t models.EntityType, patch map[string]any) (map[string]any, error) {
	allowed := editableFields[t]
	out := make(map[string]any, len(patch))
	invalid := &utils.ValidationError{Fields: map[string]string{}}
	for field, raw := range patch {
		if field == "status" {
			invalid.Fields[field] = "use_transition"
			continue
		}
		kind, ok := allowed[field]
		if !ok {
			invalid.Fields[field] = "not_editable"
			continue
		}
		v, err := coerceValue(kind, raw)
		if err != nil {
			invalid.Fields[field] = err.Error()
			continue
		}
		out[field] = v
	}
	if len(invalid.Fields) > 0 {
		return nil, invalid
	}
	return out, nil
}

func coerceValue(kind fieldKind, raw any) (any, error) {
	switch kind {
	case fieldDecimal:
		d, err := utils.ParseDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("decimal")
		}
		return d, nil
	case fieldDate:
		if raw == nil {
			return nil, nil
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("datetime")
		}
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("datetime")
		}
		return at.UTC(), nil
	default:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("string")
		}
		return strings.TrimSpace(s), nil
	}
}

// DeleteRecord removes a record whose status allows deletion, together with its lines. Open
// reservations of a sales invoice are released, and stock a purchase invoice received is
// reversed, in the same transaction.
func (e *Engine) DeleteRecord(ctx context.Context, actor guard.Actor, t models.EntityType, id int) (models.StatusRecord, error) {
	ctx, span := tracer.Start(ctx, "workflow.DeleteRecord")
	defer span.End()

	rec, ac, err := e.loadForUpdate(ctx, actor, t, id, guard.CapabilityDelete)
	if err != nil {
		e.metrics.Transition(string(t), models.StatusDelete, outcomeFor(err))
		return nil, err
	}
	ctx = ac.WithContext(ctx)
	decision, err := e.validator.Validate(t, rec.GetStatus(), models.StatusDelete, ac)
	if err != nil {
		return nil, err
	}
	if !decision.OK {
		e.metrics.Transition(string(t), models.StatusDelete, "rejected")
		return nil, decision.Err()
	}

	scope := ac.Scope()
	missed := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if inv, ok := rec.(*models.Invoice); ok {
			var err error
			if inv.Type == models.InvoiceTypePurchase {
				_, err = e.reverseReceipts(ctx, tx, ac, inv.ID)
			} else {
				_, err = e.releaseReservations(ctx, tx, ac, inv.ID)
			}
			if err != nil {
				return err
			}
		}
		if err := deleteChildren(ctx, tx, scope, t, id); err != nil {
			return err
		}
		model, _ := models.NewRecord(t)
		n, err := models.DeleteWhere(ctx, tx, scope, model, "id = ? AND status = ?", id, rec.GetStatus())
		if err != nil {
			return err
		}
		if n == 0 {
			missed = true
			return errRowMoved
		}
		return nil
	})
	if missed {
		e.metrics.Transition(string(t), models.StatusDelete, "conflict")
		return nil, &utils.ConcurrencyConflictError{Resource: string(t), Id: id, Attempts: 1}
	}
	if err != nil {
		e.metrics.Transition(string(t), models.StatusDelete, "error")
		return nil, err
	}
	e.metrics.Transition(string(t), models.StatusDelete, "ok")
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      t,
		EntityId:    id,
		Action:      "deleted",
		Description: fmt.Sprintf("Deleted in status %s", rec.GetStatus()),
		Meta:        map[string]string{"status": rec.GetStatus()},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})
	return rec, nil
}

func deleteChildren(ctx context.Context, tx *gorm.DB, scope models.TenantScope, t models.EntityType, id int) error {
	var (
		model any
		col   string
	)
	switch t {
	case models.EntityQuote:
		model, col = &models.QuoteItem{}, "quote_id"
	case models.EntityInvoice:
		model, col = &models.InvoiceItem{}, "invoice_id"
	case models.EntityReturnOrder:
		model, col = &models.ReturnOrderItem{}, "return_order_id"
	case models.EntityPaymentPlan:
		model, col = &models.PaymentInstallment{}, "payment_plan_id"
	default:
		return nil
	}
	_, err := models.DeleteWhere(ctx, tx, scope, model, col+" = ?", id)
	return err
}
