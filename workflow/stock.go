package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
)

type StockOp string

const (
	StockOpReserve   StockOp = "reserve"
	StockOpRelease   StockOp = "release"
	StockOpDecrement StockOp = "decrement"
	StockOpIncrement StockOp = "increment"
)

// StockResult is the ledger outcome plus the product automations a decrement raised.
type StockResult struct {
	ledger.Result
	AutomationResults []AutomationResult `json:"automation_results"`
}

func (e *Engine) ReserveStock(ctx context.Context, actor guard.Actor, req ledger.Request) (*StockResult, error) {
	return e.Stock(ctx, actor, StockOpReserve, req)
}

func (e *Engine) ReleaseStock(ctx context.Context, actor guard.Actor, req ledger.Request) (*StockResult, error) {
	return e.Stock(ctx, actor, StockOpRelease, req)
}

func (e *Engine) DecrementStock(ctx context.Context, actor guard.Actor, req ledger.Request) (*StockResult, error) {
	return e.Stock(ctx, actor, StockOpDecrement, req)
}

func (e *Engine) IncrementStock(ctx context.Context, actor guard.Actor, req ledger.Request) (*StockResult, error) {
	return e.Stock(ctx, actor, StockOpIncrement, req)
}

// Stock runs one ledger operation for the actor. The product's tenant binds the call, so a
// super-tenant actor can adjust any tenant's stock.
func (e *Engine) Stock(ctx context.Context, actor guard.Actor, op StockOp, req ledger.Request) (*StockResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.Stock."+string(op))
	defer span.End()

	if err := utils.ValidateInput(req); err != nil {
		return nil, err
	}
	authorized, err := e.guard.Authorize(actor, guard.Operation{EntityType: models.EntityProduct, Capability: guard.CapabilityUpdate})
	if err != nil {
		return nil, err
	}
	product, err := models.FetchRecord[models.Product](authorized.WithContext(ctx), e.db, authorized.Scope(), req.ProductId)
	if err != nil {
		return nil, err
	}
	ac, err := authorized.ForRecord(product.TenantId)
	if err != nil {
		return nil, err
	}
	ctx = ac.WithContext(ctx)

	var res *ledger.Result
	switch op {
	case StockOpReserve:
		res, err = e.ledger.Reserve(ctx, ac, req)
	case StockOpRelease:
		res, err = e.ledger.Release(ctx, ac, req)
	case StockOpDecrement:
		res, err = e.ledger.Decrement(ctx, ac, req)
	case StockOpIncrement:
		res, err = e.ledger.Increment(ctx, ac, req)
	default:
		return nil, utils.NewValidationError("op", "oneof")
	}
	if err != nil {
		return nil, err
	}

	out := &StockResult{Result: *res, AutomationResults: []AutomationResult{}}
	if op == StockOpDecrement && !res.Replayed && res.Product.BelowMinStock() && res.Product.LowStockNotifiedAt == nil {
		p := res.Product
		out.AutomationResults = e.dispatch(ctx, ac, &p)
	}
	return out, nil
}

// ParseStockOp maps a route segment to a ledger operation.
func ParseStockOp(s string) (StockOp, bool) {
	switch op := StockOp(s); op {
	case StockOpReserve, StockOpRelease, StockOpDecrement, StockOpIncrement:
		return op, true
	}
	return "", false
}
