// internal/model/message.go
package model

import "time"

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

type MessageStatus string

const (
	MessageQueued      MessageStatus = "queued"
	MessageSent        MessageStatus = "sent"
	MessageDelivered   MessageStatus = "delivered"
	MessageFailed      MessageStatus = "failed"
	MessageUndelivered MessageStatus = "undelivered"
	MessageReceived    MessageStatus = "received"
)

var messageRank = map[MessageStatus]int{
	MessageQueued:    0,
	MessageSent:      1,
	MessageDelivered: 2,
}

// Terminal reports whether the carrier lifecycle of the message has ended.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageDelivered, MessageFailed, MessageUndelivered, MessageReceived:
		return true
	}
	return false
}

// Advances reports whether moving from s to next is forward progress in the
// carrier lifecycle. Terminal statuses never advance; failures may be
// reported from any non-terminal state.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	if next == MessageFailed || next == MessageUndelivered {
		return true
	}
	from, ok := messageRank[s]
	if !ok {
		return false
	}
	to, ok := messageRank[next]
	return ok && to > from
}

// Message is the durable record of one send or receive.
type Message struct {
	ID               string        `db:"id" json:"id"`
	OrganizationID   string        `db:"organization_id" json:"organization_id"`
	CampaignID       *string       `db:"campaign_id" json:"campaign_id,omitempty"`
	TargetID         *string       `db:"target_id" json:"target_id,omitempty"`
	TemplateID       *string       `db:"template_id" json:"template_id,omitempty"`
	Direction        Direction     `db:"direction" json:"direction"`
	FromNumber       string        `db:"from_number" json:"from_number"`
	ToNumber         string        `db:"to_number" json:"to_number"`
	Body             string        `db:"body" json:"body"`
	CarrierMessageID *string       `db:"carrier_message_id" json:"carrier_message_id,omitempty"`
	Status           MessageStatus `db:"status" json:"status"`
	ErrorCode        string        `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage     string        `db:"error_message" json:"error_message,omitempty"`
	Segments         int           `db:"segments" json:"segments"`
	SentAt           *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt      *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt         *time.Time    `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

type EventSource string

const (
	SourceCallback EventSource = "callback"
	SourceSweep    EventSource = "sweep"
)

// StatusEvent is one carrier status report, kept append-only.
type StatusEvent struct {
	ID               string        `db:"id" json:"id"`
	MessageID        string        `db:"message_id" json:"message_id"`
	CarrierMessageID string        `db:"carrier_message_id" json:"carrier_message_id"`
	RawStatus        string        `db:"raw_status" json:"raw_status"`
	Status           MessageStatus `db:"status" json:"status"`
	ErrorCode        string        `db:"error_code" json:"error_code,omitempty"`
	Source           EventSource   `db:"source" json:"source"`
	ReceivedAt       time.Time     `db:"received_at" json:"received_at"`
}
