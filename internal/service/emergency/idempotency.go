package emergency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

// IdempotencyKey derives the stable fingerprint that collapses
// retransmissions of one physical incident: same patient, same source,
// same time bucket. The bucket width absorbs wearable retransmission
// storms while letting a genuinely new incident minutes later open a new
// record.
func IdempotencyKey(patientID uuid.UUID, source string, triggeredAt time.Time, window time.Duration) string {
	bucket := triggeredAt.UTC().Truncate(window).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", patientID, source, bucket)))
	return hex.EncodeToString(sum[:])
}

// keyCache is the in-memory fast path in front of the store's unique
// index: recently seen keys resolve to their event without a round trip.
// The store index remains the hard constraint.
type keyCache struct {
	c *cache.Cache
}

func newKeyCache(window time.Duration) *keyCache {
	return &keyCache{c: cache.New(window, 2*window)}
}

func (k *keyCache) get(key string) (uuid.UUID, bool) {
	v, ok := k.c.Get(key)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func (k *keyCache) put(key string, eventID uuid.UUID) {
	k.c.SetDefault(key, eventID)
}

func (k *keyCache) drop(key string) {
	k.c.Delete(key)
}
