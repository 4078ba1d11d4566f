package entities

import (
	"strings"
	"time"
)

// Tier labels the capability level of an entity. Free-tier entities keep a
// draft but cannot publish.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// Entity captures one configurable chatbot owned by a tenant.
type Entity struct {
	EntityID  string    `gorm:"column:entity_id;primaryKey;size:190;not null"`
	TenantID  string    `gorm:"column:tenant_id;size:190;not null;index"`
	Name      string    `gorm:"column:name;size:320;not null"`
	Tier      string    `gorm:"column:tier;size:32;not null;default:'free'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenant entities.
func (Entity) TableName() string {
	return "entities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
