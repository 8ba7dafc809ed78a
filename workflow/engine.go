// Package workflow is the transition engine: it validates and writes status changes and
// runs the automation table for each committed change.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/metrics"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/notify"
	"bitbucket.org/mmdatafocus/records_backend/transition"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("records_backend/workflow")

const (
	defaultTransitionRetries = 3
	defaultActionTimeout     = 10 * time.Second
	defaultLowStockRole      = "MANAGER"
)

// Notifier is the slice of the notification relay automations use.
type Notifier interface {
	Notify(ctx context.Context, tenantId string, target notify.Target, channel models.NotificationChannel, payload notify.Payload) notify.Result
}

type Deps struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	Guard     *guard.Guard
	Validator *transition.Validator
	Ledger    *ledger.Ledger
	Activity  *activity.Writer
	Notifier  Notifier
	// Locker is optional; without it concurrent deliveries of one event are not serialized.
	Locker *redislock.Client

	TransitionMaxRetries int
	ActionTimeout        time.Duration
	LowStockRole         string
}

type Engine struct {
	db        *gorm.DB
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	guard     *guard.Guard
	validator *transition.Validator
	ledger    *ledger.Ledger
	activity  *activity.Writer
	notifier  Notifier
	locker    *redislock.Client
	factory   *RecordFactory
	table     map[trigger][]action

	maxRetries    int
	actionTimeout time.Duration
	lowStockRole  string
	now           func() time.Time

	// beforeStatusWrite runs inside the status transaction before the conditional update.
	beforeStatusWrite func(tx *gorm.DB, attempt int)
}

func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = config.NewDiscardLogger()
	}
	if d.Guard == nil {
		d.Guard = guard.New(nil)
	}
	if d.Validator == nil {
		d.Validator = transition.New()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New(d.DB, d.Logger, 0, d.Metrics)
	}
	if d.Activity == nil {
		d.Activity = activity.NewWriter(d.DB, d.Logger)
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewRelayWithSenders(d.DB, d.Logger, d.Metrics, notify.NewTeamDirectory(d.DB), notify.Options{})
	}
	if d.TransitionMaxRetries < 1 {
		d.TransitionMaxRetries = defaultTransitionRetries
	}
	if d.ActionTimeout <= 0 {
		d.ActionTimeout = defaultActionTimeout
	}
	if d.LowStockRole == "" {
		d.LowStockRole = defaultLowStockRole
	}
	return &Engine{
		db:            d.DB,
		logger:        d.Logger,
		metrics:       d.Metrics,
		guard:         d.Guard,
		validator:     d.Validator,
		ledger:        d.Ledger,
		activity:      d.Activity,
		notifier:      d.Notifier,
		locker:        d.Locker,
		factory:       NewRecordFactory(d.DB),
		table:         automationTable(),
		maxRetries:    d.TransitionMaxRetries,
		actionTimeout: d.ActionTimeout,
		lowStockRole:  d.LowStockRole,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type TransitionRequest struct {
	EntityType   models.EntityType `json:"entity_type" validate:"required"`
	EntityId     int               `json:"entity_id" validate:"required,gt=0"`
	TargetStatus string            `json:"target_status" validate:"required,max=20"`
}

type TransitionResult struct {
	Record            models.StatusRecord `json:"record"`
	FromStatus        string              `json:"from_status"`
	ToStatus          string              `json:"to_status"`
	AutomationResults []AutomationResult  `json:"automation_results"`
}

var errRowMoved = errors.New("row changed underneath")

// RequestTransition moves a record to TargetStatus and runs its automations. A target of
// models.StatusDelete deletes the record when its status allows it.
func (e *Engine) RequestTransition(ctx context.Context, actor guard.Actor, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.RequestTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity", string(req.EntityType)),
		attribute.Int("entity_id", req.EntityId),
		attribute.String("target_status", req.TargetStatus),
	)

	if err := utils.ValidateInput(req); err != nil {
		return nil, err
	}
	if req.TargetStatus == models.StatusDelete {
		rec, err := e.DeleteRecord(ctx, actor, req.EntityType, req.EntityId)
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Record: rec, FromStatus: rec.GetStatus(), ToStatus: models.StatusDelete}, nil
	}

	rec, ac, err := e.loadForUpdate(ctx, actor, req.EntityType, req.EntityId, guard.CapabilityUpdate)
	if err != nil {
		e.metrics.Transition(string(req.EntityType), req.TargetStatus, outcomeFor(err))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res, err := e.applyTransition(ctx, ac, rec, req.TargetStatus, true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// loadForUpdate authorizes the actor, loads the record and binds the context to its tenant.
func (e *Engine) loadForUpdate(ctx context.Context, actor guard.Actor, t models.EntityType, id int, capability guard.Capability) (models.StatusRecord, guard.AuthorizedContext, error) {
	if _, err := models.NewRecord(t); err != nil {
		return nil, guard.AuthorizedContext{}, utils.NewValidationError("entity_type", "status_graph")
	}
	authorized, err := e.guard.Authorize(actor, guard.Operation{EntityType: t, Capability: capability})
	if err != nil {
		return nil, guard.AuthorizedContext{}, err
	}
	rec, err := models.FetchStatusRecord(authorized.WithContext(ctx), e.db, authorized.Scope(), t, id)
	if err != nil {
		return nil, guard.AuthorizedContext{}, err
	}
	bound, err := authorized.ForRecord(rec.GetTenantId())
	if err != nil {
		return nil, guard.AuthorizedContext{}, err
	}
	return rec, bound, nil
}

// applyTransition validates and writes current -> target with a compare-on-status update,
// re-reading the record when another writer got there first.
func (e *Engine) applyTransition(ctx context.Context, ac guard.AuthorizedContext, rec models.StatusRecord, target string, dispatch bool) (*TransitionResult, error) {
	ctx = ac.WithContext(ctx)
	t := rec.RecordType()
	id := rec.GetID()

	var from string
	committed := false
	for attempt := 1; attempt <= e.maxRetries && !committed; attempt++ {
		if attempt > 1 {
			fresh, err := models.FetchStatusRecord(ctx, e.db, ac.Scope(), t, id)
			if err != nil {
				return nil, err
			}
			rec = fresh
		}
		from = rec.GetStatus()
		decision, err := e.validator.Validate(t, from, target, ac)
		if err != nil {
			e.metrics.Transition(string(t), target, outcomeFor(err))
			return nil, err
		}
		if !decision.OK {
			e.metrics.Transition(string(t), target, "rejected")
			return nil, decision.Err()
		}
		committed, err = e.writeStatus(ctx, ac, t, id, from, target, attempt)
		if err != nil {
			e.metrics.Transition(string(t), target, "error")
			config.LogError(e.logger, "workflow", "applyTransition", fmt.Sprintf("%s %d", t, id), target, err)
			return nil, err
		}
		if !committed {
			e.logger.WithFields(logrus.Fields{
				"module":    "workflow",
				"entity":    t,
				"entity_id": id,
				"attempt":   attempt,
			}).Warn("status changed underneath, re-validating")
		}
	}
	if !committed {
		e.metrics.Transition(string(t), target, "conflict")
		return nil, &utils.ConcurrencyConflictError{Resource: string(t), Id: id, Attempts: e.maxRetries}
	}
	e.metrics.Transition(string(t), target, "ok")

	updated, err := models.FetchStatusRecord(ctx, e.db, ac.Scope(), t, id)
	if err != nil {
		return nil, err
	}
	e.activity.Record(ctx, activity.Entry{
		TenantId:    ac.TenantId,
		Entity:      t,
		EntityId:    id,
		Action:      "status_changed",
		Description: fmt.Sprintf("Status changed from %s to %s", from, target),
		Meta:        map[string]string{"from": from, "to": target},
		ActorId:     ac.ActorId,
		ActorName:   ac.ActorName,
	})

	res := &TransitionResult{Record: updated, FromStatus: from, ToStatus: target, AutomationResults: []AutomationResult{}}
	if dispatch {
		res.AutomationResults = e.dispatch(ctx, ac, updated)
	}
	return res, nil
}

// writeStatus commits the status change and its outbox event together. It reports false when
// the row no longer holds from.
func (e *Engine) writeStatus(ctx context.Context, ac guard.AuthorizedContext, t models.EntityType, id int, from, target string, attempt int) (bool, error) {
	missed := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e.beforeStatusWrite != nil {
			e.beforeStatusWrite(tx, attempt)
		}
		model, err := models.NewRecord(t)
		if err != nil {
			return err
		}
		n, err := models.UpdateWhere(ctx, tx, ac.Scope(), model, map[string]any{"status": target}, "id = ? AND status = ?", id, from)
		if err != nil {
			return err
		}
		if n == 0 {
			missed = true
			return nil
		}
		event := models.TransitionEvent{
			TenantId:      ac.TenantId,
			Entity:        t,
			EntityId:      id,
			FromStatus:    from,
			ToStatus:      target,
			ActorId:       ac.ActorId,
			CorrelationId: appctx.CorrelationId(ctx),
			PublishStatus: models.OutboxPublishStatusPending,
		}
		return models.InsertRecord(ctx, tx, &event)
	})
	if err != nil {
		return false, err
	}
	return !missed, nil
}

// Redispatch re-runs the automations for the record's current status.
func (e *Engine) Redispatch(ctx context.Context, actor guard.Actor, t models.EntityType, id int) ([]AutomationResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.Redispatch")
	defer span.End()

	rec, ac, err := e.loadForUpdate(ctx, actor, t, id, guard.CapabilityUpdate)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ac.WithContext(ctx), ac, rec), nil
}

// RecordActivity appends an activity entry for the actor's tenant and never fails.
func (e *Engine) RecordActivity(ctx context.Context, actor guard.Actor, entry activity.Entry) {
	if entry.TenantId == "" || !actor.IsSuperTenant {
		entry.TenantId = actor.TenantId
	}
	if entry.ActorId == "" {
		entry.ActorId = actor.ActorId
		entry.ActorName = actor.ActorName
	}
	e.activity.Record(ctx, entry)
}

// Timeline lists a record's activity, oldest first.
func (e *Engine) Timeline(ctx context.Context, actor guard.Actor, t models.EntityType, id int) ([]models.ActivityLog, error) {
	ac, err := e.guard.Authorize(actor, guard.Operation{EntityType: t, Capability: guard.CapabilityRead})
	if err != nil {
		return nil, err
	}
	return e.activity.Timeline(ac.WithContext(ctx), ac.Scope(), t, id)
}

// RecordStatuses returns the current status of each id the actor can see. Ids outside the
// actor's tenant or not found are absent from the map.
func (e *Engine) RecordStatuses(ctx context.Context, actor guard.Actor, t models.EntityType, ids []int) (map[int]string, error) {
	model, err := models.NewRecord(t)
	if err != nil {
		return nil, utils.NewValidationError("entity_type", "status_graph")
	}
	ac, err := e.guard.Authorize(actor, guard.Operation{EntityType: t, Capability: guard.CapabilityRead})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID     int
		Status string
	}
	err = ac.Scope().Apply(e.db.WithContext(ac.WithContext(ctx))).Model(model).
		Select("id", "status").Where("id IN ?", ids).Find(&rows).Error
	if err != nil {
		return nil, &utils.PersistenceError{Op: "statuses " + string(t), Err: err}
	}
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Status
	}
	return out, nil
}

func outcomeFor(err error) string {
	var authErr *utils.AuthorizationError
	var notFound *utils.NotFoundError
	var invalid *utils.ValidationError
	switch {
	case errors.As(err, &authErr):
		return "unauthorized"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &invalid):
		return "invalid"
	default:
		return "error"
	}
}
