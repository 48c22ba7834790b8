// Package lifecycle keeps stored sessions' access tokens fresh.
package lifecycle

import (
	"time"

	"github.com/sbswitch/sbswitch/internal/models"
)

// Policy decides when a credential needs renewing.
type Policy struct {
	// Threshold is the remaining lifetime at or below which a refresh is due.
	Threshold time.Duration
	// DefaultExpiresIn is assumed when a refresh response carries neither
	// expires_at nor expires_in.
	DefaultExpiresIn time.Duration
}

// DefaultPolicy returns a 5 minute threshold and a 1 hour default lifetime.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:        300 * time.Second,
		DefaultExpiresIn: 3600 * time.Second,
	}
}

// Assessment is the result of Policy.Evaluate.
type Assessment struct {
	State models.SessionState
	// Remaining lifetime in seconds. Only meaningful when Known.
	Remaining int64
	Known     bool
}

// Evaluate returns Fresh or NeedsRefresh for payload at now.
//
// With expires_at the remaining lifetime is expires_at - now. With only
// expires_in, that raw value is used as the remaining lifetime even though
// it is relative to issuance; a token stored for a long time therefore looks
// fresher than it is. Without either field nothing is known and the payload
// is left alone.
func (p Policy) Evaluate(payload models.CredentialPayload, now time.Time) Assessment {
	var remaining int64
	if at, ok := payload.ExpiresAt(); ok {
		remaining = at - now.Unix()
	} else if in, ok := payload.ExpiresIn(); ok {
		remaining = in
	} else {
		return Assessment{State: models.StateFresh}
	}

	state := models.StateFresh
	if remaining <= int64(p.Threshold/time.Second) {
		state = models.StateNeedsRefresh
	}
	return Assessment{State: state, Remaining: remaining, Known: true}
}

// Merge overlays fresh on top of stored. Every field of fresh wins, fields
// only in stored survive, and expires_at is always set afterwards: taken
// from fresh when present, otherwise now + expires_in (or defaultExpiresIn).
func Merge(stored, fresh models.CredentialPayload, now time.Time, defaultExpiresIn time.Duration) models.CredentialPayload {
	merged := stored.Clone()
	if merged == nil {
		merged = make(models.CredentialPayload, len(fresh)+1)
	}
	for k, v := range fresh {
		merged[k] = append([]byte(nil), v...)
	}

	expiresAt, ok := fresh.ExpiresAt()
	if !ok {
		lifetime, ok := fresh.ExpiresIn()
		if !ok {
			lifetime = int64(defaultExpiresIn / time.Second)
		}
		expiresAt = now.Unix() + lifetime
	}
	// An int64 always encodes.
	_ = merged.Set(models.FieldExpiresAt, expiresAt)
	return merged
}
