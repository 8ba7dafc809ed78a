package graph

import (
	"context"
	"net/http"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/middlewares"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
	gql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Resolver serves both Query and Mutation fields. The actor comes from AuthMiddleware and
// the status loader from LoaderMiddleware.
type Resolver struct {
	Engine *workflow.Engine
	Tracer trace.Tracer
}

func NewSchema(e *workflow.Engine) (*gql.Schema, error) {
	return gql.ParseSchema(Schema, &Resolver{Engine: e, Tracer: otel.Tracer("records_backend/graph")}, gql.UseFieldResolvers())
}

func Handler(schema *gql.Schema) http.Handler {
	return &relay.Handler{Schema: schema}
}

func actorFrom(ctx context.Context) (guard.Actor, error) {
	actor, ok := middlewares.CtxActor(ctx)
	if !ok {
		return guard.Actor{}, &utils.AuthorizationError{Reason: "no actor on request"}
	}
	return actor, nil
}

func entityArg(s string) (models.EntityType, error) {
	t, ok := models.ParseEntityType(s)
	if !ok {
		return "", utils.NewValidationError("entity", "unknown")
	}
	return t, nil
}

func decimalArg(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, utils.NewValidationError(field, "decimal")
	}
	return v, nil
}

type recordArgs struct {
	Entity string
	Id     int32
}

func (r *Resolver) Timeline(ctx context.Context, args recordArgs) ([]*activityResolver, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	t, err := entityArg(args.Entity)
	if err != nil {
		return nil, err
	}
	logs, err := r.Engine.Timeline(ctx, actor, t, int(args.Id))
	if err != nil {
		return nil, err
	}
	out := make([]*activityResolver, 0, len(logs))
	for _, l := range logs {
		out = append(out, &activityResolver{log: l})
	}
	return out, nil
}

func (r *Resolver) RequestTransition(ctx context.Context, args struct {
	Entity       string
	Id           int32
	TargetStatus string
}) (*transitionResolver, error) {
	ctx, span := r.Tracer.Start(ctx, "graph.requestTransition")
	defer span.End()

	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	t, err := entityArg(args.Entity)
	if err != nil {
		return nil, err
	}
	res, err := r.Engine.RequestTransition(ctx, actor, workflow.TransitionRequest{
		EntityType:   t,
		EntityId:     int(args.Id),
		TargetStatus: args.TargetStatus,
	})
	if err != nil {
		return nil, err
	}
	return &transitionResolver{entity: t, id: int(args.Id), res: res}, nil
}

func (r *Resolver) Redispatch(ctx context.Context, args recordArgs) ([]*automationResultResolver, error) {
	ctx, span := r.Tracer.Start(ctx, "graph.redispatch")
	defer span.End()

	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	t, err := entityArg(args.Entity)
	if err != nil {
		return nil, err
	}
	results, err := r.Engine.Redispatch(ctx, actor, t, int(args.Id))
	if err != nil {
		return nil, err
	}
	return automationResults(results), nil
}

func (r *Resolver) Stock(ctx context.Context, args struct {
	Op        string
	ProductId int32
	Quantity  string
	DedupeKey *string
}) (*stockResolver, error) {
	ctx, span := r.Tracer.Start(ctx, "graph.stock")
	defer span.End()

	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	op, ok := workflow.ParseStockOp(args.Op)
	if !ok {
		return nil, utils.NewValidationError("op", "unknown")
	}
	qty, err := decimalArg("quantity", args.Quantity)
	if err != nil {
		return nil, err
	}
	req := ledger.Request{ProductId: int(args.ProductId), Quantity: qty}
	if args.DedupeKey != nil {
		req.DedupeKey = *args.DedupeKey
	}
	res, err := r.Engine.Stock(ctx, actor, op, req)
	if err != nil {
		return nil, err
	}
	return &stockResolver{res: res}, nil
}

func (r *Resolver) RecordInstallmentPayment(ctx context.Context, args struct {
	PlanId int32
	Amount string
}) (*paymentResolver, error) {
	ctx, span := r.Tracer.Start(ctx, "graph.recordInstallmentPayment")
	defer span.End()

	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := decimalArg("amount", args.Amount)
	if err != nil {
		return nil, err
	}
	res, err := r.Engine.RecordInstallmentPayment(ctx, actor, int(args.PlanId), workflow.PaymentInput{Amount: amount})
	if err != nil {
		return nil, err
	}
	return &paymentResolver{res: res}, nil
}
