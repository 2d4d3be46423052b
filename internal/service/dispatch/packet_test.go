package dispatch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/connectcare/emergency-api/internal/model"
)

func TestBuildVoiceScript(t *testing.T) {
	p := &model.DispatchPayload{
		EventID:        uuid.New(),
		PatientName:    "Margarethe Olsen",
		MedicalContext: "pacemaker, anticoagulants",
		Location:       &model.Location{Lat: 52.52, Lon: 13.405},
		Vitals:         map[string]float64{"heart_rate": 131, "spo2": 88, "blood_pressure_sys": 165},
	}

	script := BuildVoiceScript(p)
	assert.Contains(t, script, "Margarethe Olsen")
	assert.Contains(t, script, "GPS coordinates: 52.5200, 13.4050")
	assert.Contains(t, script, "pacemaker, anticoagulants")
	assert.Contains(t, script, p.EventID.String())
	// Vitals render sorted, so the script is stable across calls.
	assert.Contains(t, script, "blood pressure sys: 165, heart rate: 131, spo2: 88")
}

func TestBuildVoiceScriptDegradesGracefully(t *testing.T) {
	p := &model.DispatchPayload{EventID: uuid.New()}

	script := BuildVoiceScript(p)
	assert.Contains(t, script, "the patient")
	assert.Contains(t, script, "Current vitals: not available")
	assert.Contains(t, script, "location not available")
}

func TestBuildAlertMessage(t *testing.T) {
	p := &model.DispatchPayload{
		EventID:     uuid.New(),
		PatientName: "Margarethe Olsen",
		Location:    &model.Location{Lat: 52.52, Lon: 13.405},
	}

	msg := BuildAlertMessage(p)
	assert.Contains(t, msg, "EMERGENCY ALERT: Margarethe Olsen")
	assert.Contains(t, msg, "https://maps.google.com/?q=")
	assert.Contains(t, msg, p.EventID.String())

	noLoc := BuildAlertMessage(&model.DispatchPayload{EventID: p.EventID})
	assert.NotContains(t, noLoc, "maps.google.com")
}
