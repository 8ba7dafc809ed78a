package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

type ActionStatus string

const (
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
	ActionSkipped   ActionStatus = "SKIPPED"
)

const automationLockTTL = 30 * time.Second

type RecordRef struct {
	Entity models.EntityType `json:"entity"`
	Id     int               `json:"id"`
}

// AutomationResult is the per-action outcome returned with a transition. Err carries the
// SideEffectError for FAILED actions.
type AutomationResult struct {
	Action    string       `json:"action"`
	Status    ActionStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	RecordRef *RecordRef   `json:"record_ref,omitempty"`
	Err       error        `json:"-"`
}

type outcome struct {
	skipped bool
	message string
	ref     *RecordRef
}

func skip(format string, args ...any) (outcome, error) {
	return outcome{skipped: true, message: fmt.Sprintf(format, args...)}, nil
}

func skipWith(ref *RecordRef, format string, args ...any) (outcome, error) {
	return outcome{skipped: true, ref: ref, message: fmt.Sprintf(format, args...)}, nil
}

func done(ref *RecordRef, format string, args ...any) (outcome, error) {
	return outcome{ref: ref, message: fmt.Sprintf(format, args...)}, nil
}

type action struct {
	name string
	run  func(e *Engine, ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) (outcome, error)
}

type trigger struct {
	entity models.EntityType
	status string
}

// automationTable is the fixed event reaction table, keyed by entity type and new status.
func automationTable() map[trigger][]action {
	return map[trigger][]action{
		{models.EntityQuote, string(models.QuoteStatusAccepted)}: {
			{"spawn_invoice_and_reserve", (*Engine).spawnInvoiceAndReserve},
		},
		{models.EntityQuote, string(models.QuoteStatusDeclined)}: {
			{"create_revision_task", (*Engine).createRevisionTask},
		},
		{models.EntityDeal, string(models.DealStatusWon)}: {
			{"create_draft_contract", (*Engine).createDraftContract},
		},
		{models.EntityDeal, string(models.DealStatusLost)}: {
			{"create_loss_analysis_task", (*Engine).createLossAnalysisTask},
		},
		{models.EntityInvoice, string(models.InvoiceStatusPaid)}: {
			{"record_payment_income", (*Engine).recordPaymentIncome},
		},
		{models.EntityInvoice, string(models.InvoiceStatusSent)}: {
			{"create_pending_shipment", (*Engine).createPendingShipment},
		},
		{models.EntityInvoice, string(models.InvoiceStatusCancelled)}: {
			{"release_invoice_reservations", (*Engine).releaseInvoiceReservations},
		},
		{models.EntityInvoice, string(models.InvoiceStatusOverdue)}: {
			{"create_payment_reminder_task", (*Engine).createPaymentReminderTask},
			{"notify_customer_overdue", (*Engine).notifyCustomerOverdue},
		},
		{models.EntityShipment, string(models.ShipmentStatusApproved)}: {
			{"fulfil_invoice_lines", (*Engine).fulfilInvoiceLines},
			{"mark_invoice_shipped", (*Engine).markInvoiceShipped},
			{"log_shipment_activity", (*Engine).logShipmentActivity},
			{"check_low_stock", (*Engine).checkLowStock},
		},
		{models.EntityShipment, string(models.ShipmentStatusDelivered)}: {
			{"record_shipping_cost", (*Engine).recordShippingCost},
		},
		{models.EntityReturnOrder, string(models.ReturnOrderStatusApproved)}: {
			{"restock_returned_items", (*Engine).restockReturnedItems},
		},
		{models.EntityInvoiceItem, models.LineStatusCreated}: {
			{"apply_invoice_item_stock", (*Engine).applyInvoiceItemStock},
		},
		{models.EntityProduct, models.ProductStatusLowStock}: {
			{"notify_low_stock", (*Engine).notifyLowStock},
		},
		{models.EntityContract, string(models.ContractStatusExpired)}: {
			{"create_renewal_task", (*Engine).createRenewalTask},
		},
		{models.EntityPaymentPlan, string(models.PaymentPlanStatusCompleted)}: {
			{"record_plan_completion_activity", (*Engine).recordPlanCompletionActivity},
		},
	}
}

// automationContext is the system context actions run under, attributed to the triggering actor.
func automationContext(ac guard.AuthorizedContext) guard.AuthorizedContext {
	sys := guard.System(ac.TenantId)
	if ac.ActorId != "" {
		sys.ActorId = ac.ActorId
		sys.ActorName = ac.ActorName
	}
	return sys
}

// dispatch runs the actions for the record's current status in table order. Failures are
// reported per action and never stop the next one.
func (e *Engine) dispatch(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord) []AutomationResult {
	actions := e.table[trigger{rec.RecordType(), rec.GetStatus()}]
	results := make([]AutomationResult, 0, len(actions))
	if len(actions) == 0 {
		return results
	}
	sys := automationContext(ac)
	ctx = sys.WithContext(ctx)

	unlock := e.lockEvent(ctx, sys.TenantId, rec)
	defer unlock()

	for _, a := range actions {
		results = append(results, e.runAction(ctx, sys, a, rec))
	}
	return results
}

func (e *Engine) runAction(ctx context.Context, ac guard.AuthorizedContext, a action, rec models.StatusRecord) AutomationResult {
	actionCtx, span := tracer.Start(ctx, "workflow.action."+a.name)
	defer span.End()
	actionCtx, cancel := context.WithTimeout(actionCtx, e.actionTimeout)
	defer cancel()

	res := AutomationResult{Action: a.name}
	out, err := e.invoke(actionCtx, ac, a, rec)
	if err == nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s", e.actionTimeout)
	}
	switch {
	case err != nil:
		se := &utils.SideEffectError{Action: a.name, Err: err}
		res.Status = ActionFailed
		res.Message = se.Error()
		res.Err = se
		span.SetStatus(codes.Error, se.Error())
		e.reportFailure(ctx, ac, rec, se)
	case out.skipped:
		res.Status = ActionSkipped
		res.Message = out.message
		res.RecordRef = out.ref
	default:
		res.Status = ActionSucceeded
		res.Message = out.message
		res.RecordRef = out.ref
	}
	e.metrics.Action(a.name, string(res.Status))
	return res
}

func (e *Engine) invoke(ctx context.Context, ac guard.AuthorizedContext, a action, rec models.StatusRecord) (out outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return a.run(e, ctx, ac, rec)
}

func (e *Engine) reportFailure(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord, se *utils.SideEffectError) {
	config.LogError(e.logger, "workflow", se.Action, fmt.Sprintf("%s %d", rec.RecordType(), rec.GetID()), rec.GetStatus(), se)
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      rec.RecordType(),
		EntityId:    rec.GetID(),
		Action:      "automation_failed",
		Description: se.Error(),
		Meta:        map[string]string{"action": se.Action, "status": rec.GetStatus(), "error": se.Err.Error()},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})
}

// lockEvent serializes concurrent deliveries of the same event when Redis is configured.
// When the lock cannot be obtained the actions still run; each one is idempotent on its own.
func (e *Engine) lockEvent(ctx context.Context, tenantId string, rec models.StatusRecord) func() {
	if e.locker == nil {
		return func() {}
	}
	key := fmt.Sprintf("automation:%s:%s:%d:%s", tenantId, rec.RecordType(), rec.GetID(), rec.GetStatus())
	fields := logrus.Fields{"module": "workflow", "lock": key}
	lock, err := e.locker.Obtain(ctx, key, automationLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		e.logger.WithFields(fields).Warn("could not obtain automation lock; proceeding without lock")
		return func() {}
	}
	if err != nil {
		e.logger.WithFields(fields).Warn("automation lock unavailable; proceeding without lock: " + err.Error())
		return func() {}
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			e.logger.WithFields(fields).Warn("release automation lock: " + err.Error())
		}
	}
}

func refOf(rec models.StatusRecord) *RecordRef {
	return &RecordRef{Entity: rec.RecordType(), Id: rec.GetID()}
}
