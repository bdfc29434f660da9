// internal/model/campaign.go
package model

import "time"

type ChannelType string

const (
	ChannelCall     ChannelType = "call"
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelCall, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Stats are the running counters of a campaign. Sent+Failed never exceeds Total.
type Stats struct {
	Total     int `db:"total" json:"total"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Failed    int `db:"failed" json:"failed"`
	Responded int `db:"responded" json:"responded"`
}

// Complete reports whether every recipient has a synchronous outcome.
func (s Stats) Complete() bool { return s.Sent+s.Failed >= s.Total }

type Campaign struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Channel     ChannelType `db:"channel" json:"channel"`
	Status      Status      `db:"status" json:"status"`
	Content     string      `db:"content" json:"content"`
	Recipients  []Recipient `db:"recipients" json:"recipients"`
	Stats       Stats       `json:"stats"`
	Cursor      int         `db:"dispatch_cursor" json:"cursor"`
	Version     int64       `db:"version" json:"version"`
	StartedAt   *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time  `db:"updated_at" json:"updated_at,omitempty"`
}

// StatusSnapshot is the minimal record read between batches.
type StatusSnapshot struct {
	Status  Status
	Version int64
}
