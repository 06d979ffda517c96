package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClickEvent is one successful resolution of a link. Rows are write-once.
type ClickEvent struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	LinkID    string    `gorm:"size:36;not null;index:idx_click_link_time,priority:1" json:"linkId"`
	ClickedAt time.Time `gorm:"not null;index:idx_click_link_time,priority:2" json:"clickedAt"`
	Day       string    `gorm:"size:10;not null;index" json:"day"` // UTC calendar day, YYYY-MM-DD
	IPAddress string    `gorm:"size:45" json:"-"`
	UserAgent string    `gorm:"type:text" json:"-"`
	Device    string    `gorm:"size:20;not null" json:"device"`
	OS        string    `gorm:"size:50" json:"os"`
	Browser   string    `gorm:"size:50" json:"browser"`
	Country   string    `gorm:"size:100" json:"country"`
	City      string    `gorm:"size:100" json:"city"`
	Referrer  string    `gorm:"size:255" json:"referrer"`
}

// BeforeCreate assigns the identifier
func (e *ClickEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
