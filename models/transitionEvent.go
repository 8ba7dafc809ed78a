package models

import (
	"time"

	"bitbucket.org/mmdatafocus/records_backend/config"
)

// Outbox publish statuses for TransitionEvent.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// TransitionEvent is written in the same transaction as the status change and
// published to Pub/Sub after commit by the outbox job.
type TransitionEvent struct {
	ID            int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	TenantId      string     `gorm:"size:64;not null;index" json:"tenant_id"`
	Entity        EntityType `gorm:"size:32;not null;index:idx_event_entity,priority:1" json:"entity"`
	EntityId      int        `gorm:"not null;index:idx_event_entity,priority:2" json:"entity_id"`
	FromStatus    string     `gorm:"size:20;not null" json:"from_status"`
	ToStatus      string     `gorm:"size:20;not null" json:"to_status"`
	ActorId       string     `gorm:"size:64" json:"actor_id"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e TransitionEvent) ToMessage() config.TransitionEventMessage {
	return config.TransitionEventMessage{
		EventId:       e.ID,
		TenantId:      e.TenantId,
		Entity:        string(e.Entity),
		EntityId:      e.EntityId,
		FromStatus:    e.FromStatus,
		ToStatus:      e.ToStatus,
		ActorId:       e.ActorId,
		CorrelationId: e.CorrelationId,
		OccurredAt:    e.CreatedAt,
	}
}
