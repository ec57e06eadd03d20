package domain

import "time"

// DeliveryTarget is the addressable handle a live update is pushed to.
// Chat-style channels use the full chat/message pair; the SSE channel
// uses ChatID as the stream connection ID and ignores MessageID.
type DeliveryTarget struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// ActiveSession tracks one observer that wants live counter updates.
// Sessions are stored JSON-encoded in the fast store; decoding failures
// are treated as cache misses and the entry is evicted.
type ActiveSession struct {
	UserID     string         `json:"user_id"`
	Target     DeliveryTarget `json:"target"`
	LastUpdate time.Time      `json:"last_update"`
}

// Expired reports whether the session fell outside the TTL window at now.
func (s *ActiveSession) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastUpdate) >= ttl
}
