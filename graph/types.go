package graph

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/middlewares"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
)

type transitionResolver struct {
	entity models.EntityType
	id     int
	res    *workflow.TransitionResult
}

func (t *transitionResolver) Entity() string     { return string(t.entity) }
func (t *transitionResolver) Id() int32          { return int32(t.id) }
func (t *transitionResolver) FromStatus() string { return t.res.FromStatus }
func (t *transitionResolver) ToStatus() string   { return t.res.ToStatus }
func (t *transitionResolver) AutomationResults() []*automationResultResolver {
	return automationResults(t.res.AutomationResults)
}

type automationResultResolver struct {
	r workflow.AutomationResult
}

func automationResults(results []workflow.AutomationResult) []*automationResultResolver {
	out := make([]*automationResultResolver, 0, len(results))
	for _, r := range results {
		out = append(out, &automationResultResolver{r: r})
	}
	return out
}

func (a *automationResultResolver) Action() string { return a.r.Action }
func (a *automationResultResolver) Status() string { return string(a.r.Status) }

func (a *automationResultResolver) Message() *string {
	if a.r.Message == "" {
		return nil
	}
	return &a.r.Message
}

func (a *automationResultResolver) RecordRef() *recordRefResolver {
	if a.r.RecordRef == nil {
		return nil
	}
	return &recordRefResolver{ref: *a.r.RecordRef}
}

type recordRefResolver struct {
	ref workflow.RecordRef
}

func (r *recordRefResolver) Entity() string { return string(r.ref.Entity) }
func (r *recordRefResolver) Id() int32      { return int32(r.ref.Id) }

// Status is batched per request; refs to records without a status graph resolve to null.
func (r *recordRefResolver) Status(ctx context.Context) (*string, error) {
	status, err := middlewares.GetRecordStatus(ctx, r.ref.Entity, r.ref.Id)
	if err != nil || status == "" {
		return nil, err
	}
	return &status, nil
}

type stockResolver struct {
	res *workflow.StockResult
}

func (s *stockResolver) ProductId() int32         { return int32(s.res.Product.ID) }
func (s *stockResolver) Stock() string            { return s.res.Product.Stock.String() }
func (s *stockResolver) ReservedQuantity() string { return s.res.Product.ReservedQuantity.String() }
func (s *stockResolver) Replayed() bool           { return s.res.Replayed }
func (s *stockResolver) AutomationResults() []*automationResultResolver {
	return automationResults(s.res.AutomationResults)
}

type paymentResolver struct {
	res *workflow.PaymentResult
}

func (p *paymentResolver) PlanId() int32           { return int32(p.res.Plan.ID) }
func (p *paymentResolver) Status() string          { return string(p.res.Plan.Status) }
func (p *paymentResolver) PaidAmount() string      { return p.res.Plan.PaidAmount.String() }
func (p *paymentResolver) RemainingAmount() string { return p.res.Plan.RemainingAmount.String() }
func (p *paymentResolver) Completed() bool         { return p.res.Completed }
func (p *paymentResolver) AutomationResults() []*automationResultResolver {
	return automationResults(p.res.AutomationResults)
}

type activityResolver struct {
	log models.ActivityLog
}

func (a *activityResolver) Id() int32           { return int32(a.log.ID) }
func (a *activityResolver) Action() string      { return a.log.Action }
func (a *activityResolver) Description() string { return a.log.Description }
func (a *activityResolver) ActorName() string   { return a.log.ActorName }
func (a *activityResolver) CreatedAt() string   { return a.log.CreatedAt.UTC().Format(time.RFC3339) }
