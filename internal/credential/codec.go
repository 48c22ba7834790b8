// Package credential reads and writes the dashboard's stored credential blobs.
package credential

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Codec knows the auth-token key naming pattern <prefix>-<projectId>-<suffix>.
type Codec struct {
	Prefix string
	Suffix string
}

// NewCodec returns a codec for the given key literals.
func NewCodec(prefix, suffix string) Codec {
	return Codec{Prefix: prefix, Suffix: suffix}
}

// AuthKey returns the storage key holding the auth token for projectID.
func (c Codec) AuthKey(projectID string) string {
	return c.Prefix + "-" + projectID + "-" + c.Suffix
}

// ExtractProjectID is the inverse of AuthKey.
func (c Codec) ExtractProjectID(key string) (string, bool) {
	head := c.Prefix + "-"
	tail := "-" + c.Suffix
	if len(key) <= len(head)+len(tail) {
		return "", false
	}
	if !strings.HasPrefix(key, head) || !strings.HasSuffix(key, tail) {
		return "", false
	}
	return key[len(head) : len(key)-len(tail)], true
}

// LocateAuthKey returns the key for projectID. The first match in insertion
// order wins.
func (c Codec) LocateAuthKey(set models.CredentialSet, projectID string) (string, bool) {
	if projectID == "" {
		return "", false
	}
	want := c.AuthKey(projectID)
	for _, key := range set.Keys() {
		if key == want {
			return key, true
		}
	}
	return "", false
}

// FindAuthKey returns the first key that follows the pattern for any project.
func (c Codec) FindAuthKey(set models.CredentialSet) (key, projectID string, ok bool) {
	for _, k := range set.Keys() {
		if id, ok := c.ExtractProjectID(k); ok {
			return k, id, true
		}
	}
	return "", "", false
}

// Decode parses a raw stored value. Most stored values are not credential
// payloads, so failure is reported with ok=false rather than an error.
func Decode(raw string) (models.CredentialPayload, bool) {
	var payload models.CredentialPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return nil, false
	}
	return payload, true
}

// Encode is the inverse of Decode.
func Encode(payload models.CredentialPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExtractUserSummary reads the nested user profile. When there is none, the
// unverified claims of the access token are used instead.
func ExtractUserSummary(payload models.CredentialPayload) (models.UserSummary, bool) {
	if user, ok := payload.User(); ok {
		return user, true
	}
	return summaryFromJWT(payload.AccessToken())
}

func summaryFromJWT(token string) (models.UserSummary, bool) {
	if token == "" {
		return models.UserSummary{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return models.UserSummary{}, false
	}
	summary := models.UserSummary{}
	if email, ok := claims["email"].(string); ok {
		summary.Email = email
	}
	if sub, err := claims.GetSubject(); err == nil {
		summary.UserID = sub
	}
	return summary, !summary.IsZero()
}

// StorageKeyword marks page storage keys that belong to the dashboard even
// without the key prefix.
const StorageKeyword = "supabase"

// IsStorageKey reports whether a page storage key belongs to the dashboard's
// auth state: the key prefix followed by a dash, or the keyword anywhere
// ignoring case.
func (c Codec) IsStorageKey(key string) bool {
	return strings.HasPrefix(key, c.Prefix+"-") || strings.Contains(strings.ToLower(key), StorageKeyword)
}

// FilterStorageKeys keeps only the entries IsStorageKey accepts.
func (c Codec) FilterStorageKeys(set models.CredentialSet) models.CredentialSet {
	var out models.CredentialSet
	for _, e := range set.Entries() {
		if c.IsStorageKey(e.Key) {
			out.Set(e.Key, e.Value)
		}
	}
	return out
}

// SummarizeSet returns the user of the first entry that decodes to a
// payload with an identity, from its nested profile or its access token.
func SummarizeSet(set models.CredentialSet) (models.UserSummary, bool) {
	for _, e := range set.Entries() {
		payload, ok := Decode(e.Value)
		if !ok {
			continue
		}
		if user, ok := ExtractUserSummary(payload); ok {
			return user, true
		}
	}
	return models.UserSummary{}, false
}
