package database

import (
	"time"
)

// RawMessageLog represents a raw OCPP frame as it crossed the websocket
type RawMessageLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ChargePointID string    `gorm:"index" json:"chargePointId"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	Direction     string    `json:"direction"`                // "SEND" or "RECV"
	MessageType   string    `json:"messageType,omitempty"`    // "Request", "Response", "Error"
	Action        string    `json:"action,omitempty"`         // OCPP action like "BootNotification", "Heartbeat", etc.
	MessageID     string    `gorm:"index" json:"messageId,omitempty"`
	Message       string    `gorm:"type:text" json:"message"` // Full message content as JSON
}

// CallOutcome records how a command sent to a charge point was answered
type CallOutcome struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	MessageID        string    `gorm:"uniqueIndex" json:"messageId"`
	ChargePointID    string    `gorm:"index" json:"chargePointId"`
	ConnectorID      string    `json:"connectorId,omitempty"`
	Action           string    `json:"action"`
	Success          bool      `json:"success"`
	Status           string    `json:"status,omitempty"` // Accepted, Rejected, ... or "error"
	ErrorCode        string    `json:"errorCode,omitempty"`
	ErrorDescription string    `json:"errorDescription,omitempty"`
	RequestedAt      time.Time `json:"requestedAt"`
	ReceivedAt       time.Time `gorm:"index" json:"receivedAt"`
	LatencyMillis    int64     `json:"latencyMillis"`
}
