package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const transitionEventHandler = "transition_event"

// HandleTransitionEvent replays the automations of a delivered transition event. Every
// action is idempotent, so redelivery is safe; the idempotency key only saves the work.
// A returned error asks the broker to redeliver.
func (e *Engine) HandleTransitionEvent(ctx context.Context, msg config.TransitionEventMessage, messageId string) error {
	ctx, span := tracer.Start(ctx, "workflow.HandleTransitionEvent",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("message_id", messageId), attribute.Int64("event_id", int64(msg.EventId))),
	)
	defer span.End()

	if msg.TenantId == "" || msg.EntityId <= 0 {
		return utils.NewValidationError("message", "tenant_and_entity")
	}
	t, ok := models.ParseEntityType(msg.Entity)
	if !ok {
		return utils.NewValidationError("entity", "unknown")
	}
	if messageId == "" {
		messageId = fmt.Sprintf("event:%d", msg.EventId)
	}
	ac := guard.System(msg.TenantId)
	ctx = ac.WithContext(ctx)
	if msg.CorrelationId != "" {
		ctx = appctx.SetCorrelationId(ctx, msg.CorrelationId)
	}

	done, err := BeginIdempotency(ctx, e.db, msg.TenantId, transitionEventHandler, messageId)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	fields := logrus.Fields{
		"module":     "workflow",
		"tenant_id":  msg.TenantId,
		"entity":     t,
		"entity_id":  msg.EntityId,
		"to_status":  msg.ToStatus,
		"message_id": messageId,
	}
	rec, err := models.FetchStatusRecord(ctx, e.db, ac.Scope(), t, msg.EntityId)
	var notFound *utils.NotFoundError
	switch {
	case errors.As(err, &notFound):
		e.logger.WithFields(fields).Info("transition event for a deleted record; nothing to do")
		return MarkIdempotencySucceeded(ctx, e.db, msg.TenantId, transitionEventHandler, messageId)
	case err != nil:
		_ = MarkIdempotencyFailed(ctx, e.db, msg.TenantId, transitionEventHandler, messageId, err)
		return err
	}
	if rec.GetStatus() != msg.ToStatus {
		e.logger.WithFields(fields).Info("record moved on since the event; skipping replay")
		return MarkIdempotencySucceeded(ctx, e.db, msg.TenantId, transitionEventHandler, messageId)
	}

	var failed []error
	for _, r := range e.dispatch(ctx, ac, rec) {
		if r.Status == ActionFailed {
			failed = append(failed, r.Err)
		}
	}
	if err := errors.Join(failed...); err != nil {
		_ = MarkIdempotencyFailed(ctx, e.db, msg.TenantId, transitionEventHandler, messageId, err)
		return err
	}
	return MarkIdempotencySucceeded(ctx, e.db, msg.TenantId, transitionEventHandler, messageId)
}
