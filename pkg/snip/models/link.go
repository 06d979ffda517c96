package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LinkKind distinguishes slug-addressed short links from bio page entries
type LinkKind string

const (
	LinkKindShort LinkKind = "short"
	LinkKindBio   LinkKind = "bio"
)

// Reasons recorded when a link leaves the active set
const (
	ReasonExpired    = "expired"
	ReasonClickLimit = "click_limit"
	ReasonOwner      = "owner"
)

// Link is a shortened URL together with its access policy.
// Active=false is terminal: nothing in the engine sets it back to true.
type Link struct {
	ID                 string     `gorm:"primarykey;size:36" json:"id"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	Kind               LinkKind   `gorm:"type:varchar(10);not null" json:"kind"`
	Slug               *string    `gorm:"uniqueIndex;size:64" json:"slug"`
	DestinationURL     string     `gorm:"not null" json:"destinationUrl"`
	OwnerID            string     `gorm:"not null;index" json:"ownerId"`
	Title              string     `json:"title"`
	Active             bool       `gorm:"not null;index" json:"active"`
	ExpiresAt          *time.Time `gorm:"index" json:"expiresAt,omitempty"`
	ClickLimit         *int64     `json:"clickLimit,omitempty"`
	ClickCount         int64      `gorm:"not null;default:0" json:"clickCount"`
	PasswordHash       *string    `json:"-"`
	RedirectType       int        `gorm:"not null" json:"redirectType"`
	Order              int        `gorm:"column:position;not null;default:0" json:"order"`
	DeactivatedAt      *time.Time `json:"deactivatedAt,omitempty"`
	DeactivationReason string     `gorm:"size:20" json:"deactivationReason,omitempty"`
}

// BeforeCreate assigns the opaque identifier
func (l *Link) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// SlugValue returns the slug or "" for bio links
func (l *Link) SlugValue() string {
	if l.Slug == nil {
		return ""
	}
	return *l.Slug
}

// HasPassword reports whether resolution requires a password
func (l *Link) HasPassword() bool {
	return l.PasswordHash != nil && *l.PasswordHash != ""
}
