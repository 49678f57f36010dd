package domain

import "time"

type MessageID string
type RequestID string

type ChatMessage struct {
	ID          MessageID  `json:"id"`
	UserID      UserID     `json:"user_id"`
	Message     string     `json:"message"`
	MessageType string     `json:"message_type"`
	CreatedAt   time.Time  `json:"created_at"`
	User        PublicUser `json:"user"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

func (s RequestStatus) Valid() bool {
	return s == RequestPending || s == RequestApproved || s == RequestDenied
}

type RecordingRequest struct {
	ID          RequestID     `json:"id"`
	RequestedBy UserID        `json:"requested_by"`
	SourceID    SourceID      `json:"source_id"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration"`
	Status      RequestStatus `json:"status"`
	ReviewedBy  UserID        `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ControlMessage is a frame fanned out to every control channel.
type ControlMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}
