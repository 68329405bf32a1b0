package serve

import (
	"time"
)

// DeliveryRecord is one line of the ingestion audit log.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Type       string    `json:"type,omitempty"`
	Repo       string    `json:"repo,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Stream     string    `json:"stream,omitempty"`
	Seq        int64     `json:"seq,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

const (
	StatusAccepted = "accepted"
	StatusIgnored  = "ignored"
	StatusRejected = "rejected"
)
