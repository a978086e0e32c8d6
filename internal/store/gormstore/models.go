package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// InviteeReservation mirrors the invitee_reservations table.
type InviteeReservation struct {
	ReservationID      string         `gorm:"primaryKey"`
	UserID             string         `gorm:"not null;index:idx_invitee_reservations_user"`
	InviteeEmail       string         `gorm:"not null"`
	ScheduledSessionID *string        `gorm:""`
	Status             string         `gorm:"not null"`
	RawPayload         datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (InviteeReservation) TableName() string { return "invitee_reservations" }

// MeetingCredit mirrors the meeting_credits table.
type MeetingCredit struct {
	UserID    string    `gorm:"primaryKey"`
	Remaining int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false;index:idx_meeting_credits_updated"`
}

func (MeetingCredit) TableName() string { return "meeting_credits" }

// DirectoryUser is the shape this service reads from the user directory table.
type DirectoryUser struct {
	ID    string `gorm:"primaryKey"`
	Email string `gorm:"not null;index"`
}
