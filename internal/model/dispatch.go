// internal/model/dispatch.go
package model

import "time"

// DispatchOutcome is the transient result of one send attempt.
type DispatchOutcome struct {
	RecipientPhone    string
	ProviderMessageID string
	Succeeded         bool
	ErrorCode         string
}

type DispatchStatus string

const (
	DispatchSent        DispatchStatus = "sent"
	DispatchFailed      DispatchStatus = "failed"
	DispatchDelivered   DispatchStatus = "delivered"
	DispatchUndelivered DispatchStatus = "undelivered"
)

// DispatchRecord links a provider message id back to its campaign for callback correlation.
type DispatchRecord struct {
	ID                int            `db:"id" json:"id"`
	CampaignID        string         `db:"campaign_id" json:"campaign_id"`
	Position          int            `db:"position" json:"position"`
	Phone             string         `db:"phone" json:"phone"`
	ProviderMessageID string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Status            DispatchStatus `db:"status" json:"status"`
	ErrorCode         string         `db:"error_code" json:"error_code,omitempty"`
	Responded         bool           `db:"responded" json:"responded"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// DeliveryEvent is the normalised asynchronous status report from the provider.
type DeliveryEvent struct {
	ProviderID  string         `json:"provider_id"`
	FinalStatus DispatchStatus `json:"final_status"`
	ErrorCode   string         `json:"error_code,omitempty"`
}

// Final reports whether the status is one a delivery webhook may carry.
func (s DispatchStatus) Final() bool {
	switch s {
	case DispatchDelivered, DispatchFailed, DispatchUndelivered:
		return true
	}
	return false
}
