package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the slice of the platform's identity record that billing reads.
// The only column this service writes is GatewayCustomerID.
type User struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email             string    `gorm:"type:text;not null;uniqueIndex"`
	Name              string    `gorm:"column:name;not null"`
	GatewayCustomerID *string   `gorm:"column:gateway_customer_id;uniqueIndex"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (u *User) BeforeCreate(*gorm.DB) error { return assignID(&u.ID) }
