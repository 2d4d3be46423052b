package emergency

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKeyStableWithinBucket(t *testing.T) {
	patientID := uuid.New()
	window := 5 * time.Minute
	base := time.Date(2026, 3, 14, 10, 0, 1, 0, time.UTC)

	k1 := IdempotencyKey(patientID, "FALL_DETECTION", base, window)
	k2 := IdempotencyKey(patientID, "FALL_DETECTION", base.Add(3*time.Minute), window)
	assert.Equal(t, k1, k2, "retransmissions inside one bucket share a key")

	k3 := IdempotencyKey(patientID, "FALL_DETECTION", base.Add(window), window)
	assert.NotEqual(t, k1, k3, "the next bucket is a new incident")
}

func TestIdempotencyKeyDiscriminates(t *testing.T) {
	window := 5 * time.Minute
	at := time.Date(2026, 3, 14, 10, 0, 1, 0, time.UTC)
	patientID := uuid.New()

	base := IdempotencyKey(patientID, "FALL_DETECTION", at, window)
	assert.NotEqual(t, base, IdempotencyKey(uuid.New(), "FALL_DETECTION", at, window))
	assert.NotEqual(t, base, IdempotencyKey(patientID, "MANUAL_SOS", at, window))
}

func TestIdempotencyKeyTimezoneInsensitive(t *testing.T) {
	patientID := uuid.New()
	window := 5 * time.Minute
	utc := time.Date(2026, 3, 14, 10, 0, 1, 0, time.UTC)
	berlin := utc.In(time.FixedZone("CET", 3600))

	assert.Equal(t,
		IdempotencyKey(patientID, "MANUAL_SOS", utc, window),
		IdempotencyKey(patientID, "MANUAL_SOS", berlin, window))
}
