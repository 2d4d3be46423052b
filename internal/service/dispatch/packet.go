package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/connectcare/emergency-api/internal/model"
)

// BuildVoiceScript renders the context packet the automated voice agent
// reads to the emergency operator. Plain, factual, non-diagnostic.
func BuildVoiceScript(p *model.DispatchPayload) string {
	patient := p.PatientName
	if patient == "" {
		patient = "the patient"
	}

	vitals := "not available"
	if len(p.Vitals) > 0 {
		keys := make([]string, 0, len(p.Vitals))
		for k := range p.Vitals {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %g", strings.ReplaceAll(k, "_", " "), p.Vitals[k]))
		}
		vitals = strings.Join(parts, ", ")
	}

	location := "location not available"
	if p.Location != nil {
		location = fmt.Sprintf("GPS coordinates: %.4f, %.4f", p.Location.Lat, p.Location.Lon)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello, this is the Connect Care automated emergency system. ")
	fmt.Fprintf(&b, "We are calling on behalf of %s, who requires immediate medical assistance. ", patient)
	fmt.Fprintf(&b, "Current vitals: %s. %s. ", vitals, location)
	if p.MedicalContext != "" {
		fmt.Fprintf(&b, "Background: %s. ", p.MedicalContext)
	}
	fmt.Fprintf(&b, "Please dispatch an ambulance immediately. The caretaker has been notified. ")
	fmt.Fprintf(&b, "Emergency reference: %s.", p.EventID)

	return b.String()
}

// BuildAlertMessage renders the caretaker-facing SMS/WhatsApp/email text.
func BuildAlertMessage(p *model.DispatchPayload) string {
	patient := p.PatientName
	if patient == "" {
		patient = "Your patient"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "EMERGENCY ALERT: %s may need immediate help.", patient)
	if p.Location != nil {
		fmt.Fprintf(&b, " Live location: https://maps.google.com/?q=%f,%f.", p.Location.Lat, p.Location.Lon)
	}
	fmt.Fprintf(&b, " Connect Care is initiating an emergency call. Reference: %s.", p.EventID)

	return b.String()
}
