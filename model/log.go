package model

import "time"

// DeliveryStatus is the outcome recorded for a dispatch.
type DeliveryStatus string

const (
	StatusSuccess DeliveryStatus = "success"
	StatusFailure DeliveryStatus = "failure"
)

// LogEntry is the append-only audit record of one webhook delivery.
type LogEntry struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"ruleId"`
	RuleName       string         `json:"ruleName"`
	Event          TriggerKind    `json:"event"`
	Status         DeliveryStatus `json:"status"`
	StatusCode     int            `json:"statusCode,omitempty"`
	DestinationURL string         `json:"destinationUrl"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        *Payload       `json:"payload,omitempty"`
	Error          string         `json:"error,omitempty"`
}
