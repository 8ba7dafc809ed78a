package models

import "time"

// Task is a follow-up created by automations. One task per (kind, source record).
type Task struct {
	ID           int        `gorm:"primary_key" json:"id"`
	TenantId     string     `gorm:"size:64;not null;index;uniqueIndex:uniq_task_source,priority:1" json:"tenant_id"`
	Kind         TaskKind   `gorm:"size:32;not null;uniqueIndex:uniq_task_source,priority:2" json:"kind"`
	SourceEntity EntityType `gorm:"size:32;not null;uniqueIndex:uniq_task_source,priority:3" json:"source_entity"`
	SourceId     int        `gorm:"not null;uniqueIndex:uniq_task_source,priority:4" json:"source_id"`
	Title        string     `gorm:"size:255;not null" json:"title"`
	Description  string     `gorm:"type:text" json:"description"`
	AssigneeRole string     `gorm:"size:32" json:"assignee_role"`
	DueDate      *time.Time `json:"due_date"`
	Status       TaskStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
