package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentPlanInput struct {
	TenantId         string          `json:"tenant_id"`
	InvoiceId        *int            `json:"invoice_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	InstallmentCount int             `json:"installment_count" validate:"required,gte=1,lte=120"`
	FirstDueDate     time.Time       `json:"first_due_date" validate:"required"`
	IntervalMonths   int             `json:"interval_months" validate:"gte=0,lte=12"`
	// Draft leaves the plan in DRAFT instead of activating it.
	Draft bool `json:"draft"`
}

type PaymentInput struct {
	Amount decimal.Decimal `json:"amount"`
	PaidAt *time.Time      `json:"paid_at"`
}

type PaymentResult struct {
	Plan              models.PaymentPlan `json:"plan"`
	Completed         bool               `json:"completed"`
	AutomationResults []AutomationResult `json:"automation_results"`
}

// CreatePaymentPlan splits the total into installments. With an invoice and no total, the
// invoice's outstanding balance is planned.
func (e *Engine) CreatePaymentPlan(ctx context.Context, actor guard.Actor, in PaymentPlanInput) (*models.PaymentPlan, error) {
	ctx, span := tracer.Start(ctx, "workflow.CreatePaymentPlan")
	defer span.End()

	if err := utils.ValidateInput(in); err != nil {
		return nil, err
	}
	authorized, err := e.guard.Authorize(actor, guard.Operation{EntityType: models.EntityPaymentPlan, Capability: guard.CapabilityUpdate})
	if err != nil {
		return nil, err
	}

	tenantId := authorized.TenantId
	total := in.TotalAmount
	if in.InvoiceId != nil {
		inv, err := models.FetchRecord[models.Invoice](authorized.WithContext(ctx), e.db, authorized.Scope(), *in.InvoiceId)
		if err != nil {
			return nil, err
		}
		tenantId = inv.TenantId
		if total.IsZero() {
			total = inv.Outstanding()
		}
	} else if tenantId == "" {
		tenantId = in.TenantId
	}
	if tenantId == "" {
		return nil, &utils.AuthorizationError{EntityType: string(models.EntityPaymentPlan), Reason: "tenant required"}
	}
	ac, err := authorized.ForRecord(tenantId)
	if err != nil {
		return nil, err
	}
	ctx = ac.WithContext(ctx)

	installments, err := models.BuildInstallments(total, in.InstallmentCount, in.FirstDueDate.UTC(), in.IntervalMonths)
	switch {
	case errors.Is(err, models.ErrInvalidPlanTotal):
		return nil, utils.NewValidationError("total_amount", "gt")
	case errors.Is(err, models.ErrInvalidInstallmentCount):
		return nil, utils.NewValidationError("installment_count", "gte")
	case err != nil:
		return nil, err
	}
	for i := range installments {
		installments[i].TenantId = ac.TenantId
	}
	status := models.PaymentPlanStatusActive
	if in.Draft {
		status = models.PaymentPlanStatusDraft
	}
	plan := &models.PaymentPlan{
		TenantId:         ac.TenantId,
		InvoiceId:        in.InvoiceId,
		TotalAmount:      total,
		InstallmentCount: in.InstallmentCount,
		PaidAmount:       decimal.Zero,
		RemainingAmount:  total,
		Status:           status,
		Installments:     installments,
	}
	if err := models.InsertRecord(ctx, e.db, plan); err != nil {
		return nil, err
	}
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      models.EntityPaymentPlan,
		EntityId:    plan.ID,
		Action:      "payment_plan_created",
		Description: fmt.Sprintf("%d installment(s) totalling %s", plan.InstallmentCount, utils.Money(total)),
		Meta:        map[string]any{"invoice_id": in.InvoiceId},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})
	return plan, nil
}

// RecordInstallmentPayment applies a payment to the earliest unpaid installments. The plan
// moves to COMPLETED, with its automations, when nothing remains.
func (e *Engine) RecordInstallmentPayment(ctx context.Context, actor guard.Actor, planId int, in PaymentInput) (*PaymentResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.RecordInstallmentPayment")
	defer span.End()

	if !in.Amount.IsPositive() {
		return nil, utils.NewValidationError("amount", "gt")
	}
	rec, ac, err := e.loadForUpdate(ctx, actor, models.EntityPaymentPlan, planId, guard.CapabilityUpdate)
	if err != nil {
		return nil, err
	}
	ctx = ac.WithContext(ctx)
	if err := e.validator.CanEdit(models.EntityPaymentPlan, rec.GetStatus()); err != nil {
		return nil, err
	}
	if rec.GetStatus() != string(models.PaymentPlanStatusActive) {
		return nil, utils.NewValidationError("status", "plan_not_active")
	}
	paidAt := e.now()
	if in.PaidAt != nil {
		paidAt = in.PaidAt.UTC()
	}

	var plan models.PaymentPlan
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := ac.Scope().Apply(tx.WithContext(ctx))
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
			First(&plan, planId).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &utils.NotFoundError{Resource: string(models.EntityPaymentPlan), Id: planId}
			}
			return &utils.PersistenceError{Op: "fetch PAYMENT_PLAN", Err: err}
		}
		if plan.Status != models.PaymentPlanStatusActive {
			return utils.NewValidationError("status", "plan_not_active")
		}
		if err := plan.ApplyPayment(in.Amount, paidAt); err != nil {
			if errors.Is(err, models.ErrOverpayment) {
				return utils.NewValidationError("amount", "exceeds_remaining")
			}
			return utils.NewValidationError("amount", "gt")
		}
		for _, inst := range plan.Installments {
			if err := models.UpdateRecord(ctx, tx, ac.Scope(), &models.PaymentInstallment{}, inst.ID, map[string]any{
				"paid_amount": inst.PaidAmount,
				"paid_at":     inst.PaidAt,
			}); err != nil {
				return err
			}
		}
		n, err := models.UpdateWhere(ctx, tx, ac.Scope(), &models.PaymentPlan{}, map[string]any{
			"paid_amount":      plan.PaidAmount,
			"remaining_amount": plan.RemainingAmount,
		}, "id = ? AND status = ?", plan.ID, models.PaymentPlanStatusActive)
		if err != nil {
			return err
		}
		if n == 0 {
			return &utils.ConcurrencyConflictError{Resource: string(models.EntityPaymentPlan), Id: plan.ID, Attempts: 1}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      models.EntityPaymentPlan,
		EntityId:    plan.ID,
		Action:      "payment_recorded",
		Description: fmt.Sprintf("Payment of %s recorded, %s remaining", utils.Money(in.Amount), utils.Money(plan.RemainingAmount)),
		Meta:        map[string]string{"amount": in.Amount.String(), "remaining": plan.RemainingAmount.String()},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})

	out := &PaymentResult{Plan: plan, AutomationResults: []AutomationResult{}}
	if !plan.IsFullyPaid() {
		return out, nil
	}
	res, err := e.applyTransition(ctx, ac, &plan, string(models.PaymentPlanStatusCompleted), true)
	if err != nil {
		return nil, err
	}
	if completed, ok := res.Record.(*models.PaymentPlan); ok {
		out.Plan = *completed
	}
	out.Completed = true
	out.AutomationResults = res.AutomationResults
	return out, nil
}
