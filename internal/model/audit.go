package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLog is one append-only entry recording a state transition or a
// dispatch outcome. Entries are never updated, only appended and
// eventually expired by the retention worker.
type AuditLog struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	EventID   uuid.UUID       `json:"event_id" db:"event_id"`
	PatientID uuid.UUID       `json:"patient_id" db:"patient_id"`
	EventType string          `json:"event_type" db:"event_type"`
	Actor     string          `json:"actor,omitempty" db:"actor"`
	Detail    json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

const (
	AuditEmergencyTriggered = "EMERGENCY_TRIGGERED"
	AuditEmergencyEscalated = "EMERGENCY_ESCALATED"
	AuditEmergencyCancelled = "EMERGENCY_CANCELLED"
	AuditEmergencyResolved  = "EMERGENCY_RESOLVED"
	AuditCaretakerOverride  = "CARETAKER_OVERRIDE"
	AuditDispatchAttempt    = "DISPATCH_ATTEMPT"
	AuditDispatchQueued     = "DISPATCH_QUEUED"
	AuditEngineRecovered    = "ENGINE_RECOVERED"
)
