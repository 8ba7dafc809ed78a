package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SweepItem struct {
	TenantId          string             `json:"tenant_id"`
	Entity            models.EntityType  `json:"entity"`
	EntityId          int                `json:"entity_id"`
	Error             string             `json:"error,omitempty"`
	AutomationResults []AutomationResult `json:"automation_results,omitempty"`
}

type SweepReport struct {
	Scanned      int         `json:"scanned"`
	Transitioned int         `json:"transitioned"`
	Failed       int         `json:"failed"`
	Items        []SweepItem `json:"items"`
}

// SweepOverdueInvoices moves sent or shipped invoices that are past due and still owe money
// to OVERDUE, across every tenant.
func (e *Engine) SweepOverdueInvoices(ctx context.Context, now time.Time) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "workflow.SweepOverdueInvoices")
	defer span.End()

	return sweep[models.Invoice](ctx, e, "SweepOverdueInvoices", string(models.InvoiceStatusOverdue), func(q *gorm.DB) *gorm.DB {
		return q.Where("status IN ? AND due_date IS NOT NULL AND due_date < ?",
			[]string{string(models.InvoiceStatusSent), string(models.InvoiceStatusShipped)}, now).
			Order("id ASC")
	}, func(inv models.Invoice) bool {
		return inv.Outstanding().IsPositive()
	})
}

// SweepExpiredContracts moves ACTIVE contracts whose end date has passed to EXPIRED.
func (e *Engine) SweepExpiredContracts(ctx context.Context, now time.Time) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "workflow.SweepExpiredContracts")
	defer span.End()

	return sweep[models.Contract](ctx, e, "SweepExpiredContracts", string(models.ContractStatusExpired), func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND end_date IS NOT NULL AND end_date < ?", models.ContractStatusActive, now).
			Order("id ASC")
	}, nil)
}

func sweep[T any, PT interface {
	*T
	models.StatusRecord
}](ctx context.Context, e *Engine, name, target string, query func(*gorm.DB) *gorm.DB, keep func(T) bool) (*SweepReport, error) {
	authorized, err := e.guard.Authorize(guard.SystemActor(), guard.Operation{Capability: guard.CapabilityUpdate})
	if err != nil {
		return nil, err
	}
	rows, err := models.FindRecords[T](authorized.WithContext(ctx), e.db, authorized.Scope(), query)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Items: []SweepItem{}}
	for i := range rows {
		if keep != nil && !keep(rows[i]) {
			continue
		}
		rec := PT(&rows[i])
		report.Scanned++
		item := SweepItem{TenantId: rec.GetTenantId(), Entity: rec.RecordType(), EntityId: rec.GetID()}

		ac, err := authorized.ForRecord(rec.GetTenantId())
		if err == nil {
			var res *TransitionResult
			res, err = e.applyTransition(ctx, ac, rec, target, true)
			if err == nil {
				item.AutomationResults = res.AutomationResults
			}
		}
		if err != nil {
			report.Failed++
			item.Error = err.Error()
			config.LogError(e.logger, "workflow", name, fmt.Sprintf("%s %d", rec.RecordType(), rec.GetID()), target, err)
		} else {
			report.Transitioned++
		}
		report.Items = append(report.Items, item)
	}
	e.logger.WithFields(logrus.Fields{
		"module":       "workflow",
		"sweep":        name,
		"scanned":      report.Scanned,
		"transitioned": report.Transitioned,
		"failed":       report.Failed,
	}).Info("sweep finished")
	return report, nil
}
