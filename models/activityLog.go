package models

import (
	"time"

	"gorm.io/gorm"
)

// ActivityLog is the append-only audit trail shown on each record's timeline.
type ActivityLog struct {
	ID          int        `gorm:"primary_key" json:"id"`
	TenantId    string     `gorm:"size:64;index;not null" json:"tenant_id"`
	Entity      EntityType `gorm:"size:32;not null;index:idx_activity_entity,priority:1" json:"entity"`
	EntityId    int        `gorm:"not null;index:idx_activity_entity,priority:2" json:"entity_id"`
	Action      string     `gorm:"size:64;not null" json:"action"`
	Description string     `gorm:"type:text;not null" json:"description"`
	Meta        string     `gorm:"type:text" json:"meta"`
	ActorId     string     `gorm:"size:64;index" json:"actor_id"`
	ActorName   string     `gorm:"size:100" json:"actor_name"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

func (a *ActivityLog) BeforeUpdate(tx *gorm.DB) error { return ErrAppendOnly }

func (a *ActivityLog) BeforeDelete(tx *gorm.DB) error { return ErrAppendOnly }
