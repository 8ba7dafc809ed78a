package models

import "time"

type NotificationStatus string

const (
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationFailed    NotificationStatus = "FAILED"
)

// NotificationLog keeps one row per relay outcome (including mock deliveries).
type NotificationLog struct {
	ID                int                 `gorm:"primary_key" json:"id"`
	TenantId          string              `gorm:"size:64;index;not null" json:"tenant_id"`
	Channel           NotificationChannel `gorm:"size:16;not null" json:"channel"`
	Provider          string              `gorm:"size:32" json:"provider"`
	Recipient         string              `gorm:"size:255;not null" json:"recipient"`
	Subject           string              `gorm:"size:255" json:"subject"`
	Status            NotificationStatus  `gorm:"size:16;not null;index" json:"status"`
	Mock              bool                `gorm:"not null;default:false" json:"mock"`
	ProviderMessageId string              `gorm:"size:255" json:"provider_message_id"`
	Error             string              `gorm:"type:text" json:"error"`
	Attempts          int                 `gorm:"not null;default:0" json:"attempts"`
	DedupeKey         string              `gorm:"size:191;index" json:"dedupe_key"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// TeamMember is the in-tenant directory role targets resolve against.
type TeamMember struct {
	ID        int       `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"size:64;index;not null" json:"tenant_id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	Phone     string    `gorm:"size:50" json:"phone"`
	Role      string    `gorm:"size:32;index;not null" json:"role"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
