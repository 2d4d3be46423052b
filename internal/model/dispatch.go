package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ActionType string

const (
	ActionVoiceCall      ActionType = "VOICE_CALL"
	ActionCaretakerSMS   ActionType = "CARETAKER_SMS"
	ActionCaretakerEmail ActionType = "CARETAKER_EMAIL"
	ActionWhatsApp       ActionType = "WHATSAPP_ALERT"
	ActionLocationShare  ActionType = "LOCATION_SHARE"
)

type PendingActionStatus string

const (
	PendingActionStatusPending   PendingActionStatus = "PENDING"
	PendingActionStatusProcessed PendingActionStatus = "PROCESSED"
	PendingActionStatusFailed    PendingActionStatus = "FAILED"
)

// DispatchPayload carries everything an adapter needs to perform its
// action, so a queued action can be replayed after a restart without
// reloading the emergency record.
type DispatchPayload struct {
	EventID        uuid.UUID          `json:"event_id"`
	PatientID      uuid.UUID          `json:"patient_id"`
	PatientName    string             `json:"patient_name"`
	CaretakerPhone string             `json:"caretaker_phone,omitempty"`
	CaretakerEmail string             `json:"caretaker_email,omitempty"`
	MedicalContext string             `json:"medical_context,omitempty"`
	Location       *Location          `json:"location,omitempty"`
	Vitals         map[string]float64 `json:"vitals,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// PendingAction is a dispatch that could not reach the network when the
// engine first tried it. Queued actions are drained in creation order,
// mirroring the outbox pattern.
type PendingAction struct {
	ID           uuid.UUID           `json:"id" db:"id"`
	EventID      uuid.UUID           `json:"event_id" db:"event_id"`
	PatientID    uuid.UUID           `json:"patient_id" db:"patient_id"`
	Action       ActionType          `json:"action" db:"action"`
	Payload      json.RawMessage     `json:"payload" db:"payload"`
	Status       PendingActionStatus `json:"status" db:"status"`
	RetryCount   int                 `json:"retry_count" db:"retry_count"`
	ErrorMessage *string             `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
	ProcessedAt  *time.Time          `json:"processed_at,omitempty" db:"processed_at"`
	UpdatedAt    time.Time           `json:"updated_at" db:"updated_at"`
}
