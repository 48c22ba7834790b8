package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// CredentialEntry is one storage key and its raw string value.
type CredentialEntry struct {
	Key   string
	Value string
}

// CredentialSet maps page storage keys to raw string values. Insertion order
// is kept so that lookups that take the first match are deterministic.
// Values are opaque; only the auth-token entry is ever decoded.
type CredentialSet struct {
	entries []CredentialEntry
}

// NewCredentialSet builds a set from entries, later duplicates replacing earlier values.
func NewCredentialSet(entries ...CredentialEntry) CredentialSet {
	var s CredentialSet
	for _, e := range entries {
		s.Set(e.Key, e.Value)
	}
	return s
}

// Len returns the number of entries.
func (s CredentialSet) Len() int {
	return len(s.entries)
}

// IsEmpty reports whether the set has no entries.
func (s CredentialSet) IsEmpty() bool {
	return len(s.entries) == 0
}

// Keys returns the keys in insertion order.
func (s CredentialSet) Keys() []string {
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in insertion order.
func (s CredentialSet) Entries() []CredentialEntry {
	out := make([]CredentialEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the raw value stored under key.
func (s CredentialSet) Get(key string) (string, bool) {
	for _, e := range s.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing key in place or appends a new one.
func (s *CredentialSet) Set(key, value string) {
	for i := range s.entries {
		if s.entries[i].Key == key {
			s.entries[i].Value = value
			return
		}
	}
	s.entries = append(s.entries, CredentialEntry{Key: key, Value: value})
}

// Delete removes key if present.
func (s *CredentialSet) Delete(key string) {
	for i := range s.entries {
		if s.entries[i].Key == key {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Clone returns an independent copy.
func (s CredentialSet) Clone() CredentialSet {
	if s.entries == nil {
		return CredentialSet{}
	}
	return CredentialSet{entries: s.Entries()}
}

// Equal reports whether both sets hold the same entries in the same order.
func (s CredentialSet) Equal(other CredentialSet) bool {
	if len(s.entries) != len(other.entries) {
		return false
	}
	for i := range s.entries {
		if s.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a JSON object in insertion order.
func (s CredentialSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order. Non-string values
// are kept as their JSON text so nothing is lost.
func (s *CredentialSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		s.entries = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("credential set must be a JSON object")
	}

	var out CredentialSet
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("credential set key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		value := string(raw)
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			value = str
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	s.entries = out.entries
	return nil
}

// UserSummary is the best-effort identity found in a credential payload.
type UserSummary struct {
	Email  string `json:"email,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// IsZero reports whether nothing was found.
func (u UserSummary) IsZero() bool {
	return u.Email == "" && u.UserID == ""
}

// CredentialPayload is the decoded auth-token object. Fields other than the
// ones with accessors are carried verbatim.
type CredentialPayload map[string]json.RawMessage

// Well-known payload fields.
const (
	FieldAccessToken  = "access_token"
	FieldRefreshToken = "refresh_token"
	FieldExpiresAt    = "expires_at"
	FieldExpiresIn    = "expires_in"
	FieldUser         = "user"
)

// Clone returns an independent copy.
func (p CredentialPayload) Clone() CredentialPayload {
	if p == nil {
		return nil
	}
	out := make(CredentialPayload, len(p))
	for k, v := range p {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (p CredentialPayload) stringField(name string) string {
	raw, ok := p[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// numberField accepts JSON numbers and numeric strings.
func (p CredentialPayload) numberField(name string) (int64, bool) {
	raw, ok := p[name]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// AccessToken returns the access token or "".
func (p CredentialPayload) AccessToken() string {
	return p.stringField(FieldAccessToken)
}

// RefreshToken returns the refresh token or "".
func (p CredentialPayload) RefreshToken() string {
	return p.stringField(FieldRefreshToken)
}

// ExpiresAt returns the absolute expiry in Unix seconds.
func (p CredentialPayload) ExpiresAt() (int64, bool) {
	return p.numberField(FieldExpiresAt)
}

// ExpiresIn returns the relative lifetime in seconds.
func (p CredentialPayload) ExpiresIn() (int64, bool) {
	return p.numberField(FieldExpiresIn)
}

// User returns the nested user profile's email and id.
func (p CredentialPayload) User() (UserSummary, bool) {
	raw, ok := p[FieldUser]
	if !ok {
		return UserSummary{}, false
	}
	var user struct {
		Email string `json:"email"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(raw, &user); err != nil {
		return UserSummary{}, false
	}
	summary := UserSummary{Email: user.Email, UserID: user.ID}
	return summary, !summary.IsZero()
}

// Set stores v under name, JSON-encoded.
func (p CredentialPayload) Set(name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	p[name] = raw
	return nil
}
