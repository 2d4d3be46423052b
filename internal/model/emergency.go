package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EmergencyStatus string

const (
	EmergencyStatusPendingConfirmation EmergencyStatus = "PENDING_CONFIRMATION"
	EmergencyStatusEscalated           EmergencyStatus = "ESCALATED"
	EmergencyStatusResolved            EmergencyStatus = "RESOLVED"
	EmergencyStatusCancelled           EmergencyStatus = "CANCELLED"
	EmergencyStatusCaretakerOverride   EmergencyStatus = "CARETAKER_OVERRIDE"
)

// Terminal reports whether the status permits no further transitions.
// CARETAKER_OVERRIDE is not terminal: a caretaker who took over still
// has to resolve the event.
func (s EmergencyStatus) Terminal() bool {
	return s == EmergencyStatusResolved || s == EmergencyStatusCancelled
}

// Active reports whether a record in this status counts against the
// one-active-emergency-per-patient invariant.
func (s EmergencyStatus) Active() bool {
	return !s.Terminal()
}

type TriggerSource string

const (
	TriggerSourceManualSOS      TriggerSource = "MANUAL_SOS"
	TriggerSourceFallDetection  TriggerSource = "FALL_DETECTION"
	TriggerSourceVitalsCritical TriggerSource = "VITALS_CRITICAL"
	TriggerSourceInactivity     TriggerSource = "INACTIVITY"
	TriggerSourceCaretakerAlert TriggerSource = "CARETAKER_ALERT"
)

func (s TriggerSource) Valid() bool {
	switch s {
	case TriggerSourceManualSOS, TriggerSourceFallDetection,
		TriggerSourceVitalsCritical, TriggerSourceInactivity,
		TriggerSourceCaretakerAlert:
		return true
	}
	return false
}

// Location is a last-known GPS fix. It may be stale; AccuracyM lets
// consumers judge how much to trust it.
type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM int     `json:"accuracy_m,omitempty"`
}

// EmergencyRecord is one emergency event for one patient. Fields captured
// at trigger time (patient name, caretaker contacts, vitals, medical
// context) are immutable snapshots; only the orchestrator mutates status
// and resolution fields.
type EmergencyRecord struct {
	EventID        uuid.UUID       `json:"event_id" db:"event_id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	PatientID      uuid.UUID       `json:"patient_id" db:"patient_id"`
	PatientName    string          `json:"patient_name" db:"patient_name"`
	CaretakerPhone string          `json:"caretaker_phone,omitempty" db:"caretaker_phone"`
	CaretakerEmail string          `json:"caretaker_email,omitempty" db:"caretaker_email"`
	MedicalContext string          `json:"medical_context,omitempty" db:"medical_context"`
	TriggerSource  TriggerSource   `json:"trigger_source" db:"trigger_source"`
	Status         EmergencyStatus `json:"status" db:"status"`

	TriggeredAt          time.Time  `json:"triggered_at" db:"triggered_at"`
	ConfirmationDeadline time.Time  `json:"confirmation_deadline" db:"confirmation_deadline"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty" db:"escalated_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy           *string    `json:"resolved_by,omitempty" db:"resolved_by"`
	OverrideBy           *string    `json:"override_by,omitempty" db:"override_by"`
	OverrideAt           *time.Time `json:"override_at,omitempty" db:"override_at"`

	VitalsSnapshot json.RawMessage `json:"vitals_snapshot,omitempty" db:"vitals_snapshot"`
	Location       json.RawMessage `json:"location,omitempty" db:"location"`

	// ActionsTaken is loaded from the append-only emergency_actions table;
	// it is never written through this struct.
	ActionsTaken []*EmergencyAction `json:"actions_taken,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LocationFix decodes the stored location, returning nil when absent.
func (r *EmergencyRecord) LocationFix() *Location {
	if len(r.Location) == 0 {
		return nil
	}
	var loc Location
	if err := json.Unmarshal(r.Location, &loc); err != nil {
		return nil
	}
	return &loc
}

// EmergencyAction is one entry of a record's append-only audit trail.
// Seq orders entries within a record; entries are never updated.
type EmergencyAction struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	EventID   uuid.UUID  `json:"event_id" db:"event_id"`
	PatientID uuid.UUID  `json:"patient_id" db:"patient_id"`
	Seq       int64      `json:"seq" db:"seq"`
	Action    ActionType `json:"action" db:"action"`
	Attempt   int        `json:"attempt" db:"attempt"`
	Success   bool       `json:"success" db:"success"`
	Detail    string     `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time  `json:"timestamp" db:"created_at"`
}

type TriggerRequest struct {
	PatientID      uuid.UUID          `json:"patient_id" binding:"required"`
	TriggerSource  TriggerSource      `json:"trigger_source" binding:"required,triggersource"`
	PatientName    string             `json:"patient_name"`
	CaretakerPhone string             `json:"caretaker_phone" binding:"omitempty,e164"`
	CaretakerEmail string             `json:"caretaker_email" binding:"omitempty,email"`
	MedicalContext string             `json:"medical_context"`
	VitalsSnapshot map[string]float64 `json:"vitals_snapshot"`
	Location       *Location          `json:"location"`
	// TriggeredAt lets wearables stamp the physical incident time so
	// retransmissions dedupe into the same bucket. Zero means "now".
	TriggeredAt time.Time `json:"triggered_at"`
}

type EscalateRequest struct {
	PatientID uuid.UUID `json:"patient_id" binding:"required"`
	Location  *Location `json:"location"`
}

type CancelRequest struct {
	PatientID   uuid.UUID `json:"patient_id" binding:"required"`
	CancelledBy string    `json:"cancelled_by" binding:"required"`
}

type ResolveRequest struct {
	PatientID  uuid.UUID `json:"patient_id" binding:"required"`
	ResolvedBy string    `json:"resolved_by" binding:"required"`
}

type OverrideRequest struct {
	PatientID   uuid.UUID `json:"patient_id" binding:"required"`
	CaretakerID string    `json:"caretaker_id" binding:"required"`
}

type TriggerResponse struct {
	EventID   uuid.UUID       `json:"event_id"`
	Status    EmergencyStatus `json:"status"`
	Duplicate bool            `json:"duplicate,omitempty"`
}
