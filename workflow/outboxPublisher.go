package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxOutboxBackoff = 10 * time.Minute

// Publisher sends one transition event and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, msg config.TransitionEventMessage) (string, error)
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(topic *pubsub.Topic) *PubSubPublisher {
	return &PubSubPublisher{topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, msg config.TransitionEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub topic not configured")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"tenant_id": msg.TenantId,
			"entity":    msg.Entity,
			"to_status": msg.ToStatus,
		},
	})
	return res.Get(ctx)
}

// OutboxPublisher moves committed TransitionEvent rows to Pub/Sub. Rows are claimed in a
// short transaction, published outside it, and retried with exponential backoff until
// MaxAttempts, after which they are DEAD.
type OutboxPublisher struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	Publisher   Publisher
	PublisherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration

	now func() time.Time
}

func NewOutboxPublisher(db *gorm.DB, logger *logrus.Logger, pub Publisher) *OutboxPublisher {
	if logger == nil {
		logger = config.NewDiscardLogger()
	}
	return &OutboxPublisher{
		DB:             db,
		Logger:         logger,
		Publisher:      pub,
		PublisherID:    uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(d.Logger, "workflow", "OutboxPublisher.Run", d.PublisherID, nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// RunOnce publishes one batch and returns how many rows were sent.
func (d *OutboxPublisher) RunOnce(ctx context.Context) (int, error) {
	if d.DB == nil || d.Publisher == nil {
		return 0, errors.New("outbox publisher needs a db and a publisher")
	}
	ctx = appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)
	now := d.now()

	claimed, err := d.claim(ctx, now)
	if err != nil || len(claimed) == 0 {
		return 0, err
	}
	sent := 0
	for _, ev := range claimed {
		if ev.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		msgId, pubErr := d.Publisher.Publish(ctx, ev.ToMessage())
		if pubErr != nil {
			d.markFailed(ctx, ev, pubErr)
			continue
		}
		d.markSent(ctx, ev.ID, msgId, now)
		sent++
	}
	return sent, nil
}

func (d *OutboxPublisher) claim(ctx context.Context, now time.Time) ([]models.TransitionEvent, error) {
	staleBefore := now.Add(-d.LockTimeout)
	var claimed []models.TransitionEvent
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// ready PENDING/FAILED rows, and PROCESSING rows whose publisher died mid-batch
		q := tx.Where(`(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			OR (publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)`,
			[]string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now,
			models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			ev := &claimed[i]
			if d.MaxAttempts > 0 && ev.PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				ev.PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.TransitionEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			ev.PublishStatus = models.OutboxPublishStatusProcessing
			ev.PublishAttempts++
			if err := tx.Model(&models.TransitionEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.PublisherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (d *OutboxPublisher) markSent(ctx context.Context, id int, msgId string, now time.Time) {
	err := d.DB.WithContext(ctx).Model(&models.TransitionEvent{}).Where("id = ?", id).Updates(map[string]any{
		"publish_status":     models.OutboxPublishStatusSent,
		"published_at":       &now,
		"pub_sub_message_id": &msgId,
		"locked_at":          nil,
		"locked_by":          nil,
		"next_attempt_at":    nil,
	}).Error
	if err != nil {
		config.LogError(d.Logger, "workflow", "OutboxPublisher.markSent", fmt.Sprint(id), msgId, err)
	}
}

func (d *OutboxPublisher) markFailed(ctx context.Context, ev models.TransitionEvent, cause error) {
	msg := cause.Error()
	fields := logrus.Fields{
		"module":    "workflow",
		"tenant_id": ev.TenantId,
		"event_id":  ev.ID,
		"attempt":   ev.PublishAttempts,
	}
	patch := map[string]any{
		"last_publish_error": &msg,
		"locked_at":          nil,
		"locked_by":          nil,
	}
	if d.MaxAttempts > 0 && ev.PublishAttempts >= d.MaxAttempts {
		patch["publish_status"] = models.OutboxPublishStatusDead
		patch["next_attempt_at"] = nil
		d.Logger.WithFields(fields).Error("outbox publish moved to DEAD after max attempts: " + msg)
	} else {
		next := d.now().Add(d.backoff(ev.PublishAttempts))
		patch["publish_status"] = models.OutboxPublishStatusFailed
		patch["next_attempt_at"] = &next
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Error("outbox publish failed: " + msg)
	}
	if err := d.DB.WithContext(ctx).Model(&models.TransitionEvent{}).Where("id = ?", ev.ID).Updates(patch).Error; err != nil {
		config.LogError(d.Logger, "workflow", "OutboxPublisher.markFailed", fmt.Sprint(ev.ID), nil, err)
	}
}

func (d *OutboxPublisher) backoff(attempt int) time.Duration {
	b := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		b *= 2
		if b > maxOutboxBackoff {
			return maxOutboxBackoff
		}
	}
	return b
}
