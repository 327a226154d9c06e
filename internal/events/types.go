// Package events provides the typed pub/sub bus connecting the control
// loops to the coordinator and the operator event stream.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	RiskAlertCreated  EventType = "RISK_ALERT_CREATED"
	RiskAlertResolved EventType = "RISK_ALERT_RESOLVED"

	RiskActionCreated   EventType = "RISK_ACTION_CREATED"
	RiskActionCompleted EventType = "RISK_ACTION_COMPLETED"
	RiskActionFailed    EventType = "RISK_ACTION_FAILED"

	PlanCreated        EventType = "PLAN_CREATED"
	PlanOrderSubmitted EventType = "PLAN_ORDER_SUBMITTED"
	PlanCompleted      EventType = "PLAN_COMPLETED"
	PlanFailed         EventType = "PLAN_FAILED"
	PlanExpired        EventType = "PLAN_EXPIRED"
	PlanCancelled      EventType = "PLAN_CANCELLED"

	FundsJobCreated   EventType = "FUNDS_JOB_CREATED"
	FundsJobCompleted EventType = "FUNDS_JOB_COMPLETED"
	FundsJobFailed    EventType = "FUNDS_JOB_FAILED"

	EmergencyActivated EventType = "EMERGENCY_ACTIVATED"
	EmergencyResumed   EventType = "EMERGENCY_RESUMED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
