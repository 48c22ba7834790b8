package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialSet_OrderAndReplace(t *testing.T) {
	var s CredentialSet
	s.Set("sb-b-auth-token", "1")
	s.Set("sb-a-auth-token", "2")
	s.Set("supabase.dashboard.theme", "dark")
	s.Set("sb-b-auth-token", "3")

	assert.Equal(t, []string{"sb-b-auth-token", "sb-a-auth-token", "supabase.dashboard.theme"}, s.Keys())
	v, ok := s.Get("sb-b-auth-token")
	require.True(t, ok)
	assert.Equal(t, "3", v)

	s.Delete("sb-a-auth-token")
	assert.Equal(t, 2, s.Len())
	_, ok = s.Get("sb-a-auth-token")
	assert.False(t, ok)
}

func TestCredentialSet_JSONKeepsOrder(t *testing.T) {
	input := `{"z":"1","a":"{\"refresh_token\":\"r\"}","m":"x"}`

	var s CredentialSet
	require.NoError(t, json.Unmarshal([]byte(input), &s))
	assert.Equal(t, []string{"z", "a", "m"}, s.Keys())

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, input, string(out))
}

func TestCredentialSet_JSONNonStringValues(t *testing.T) {
	var s CredentialSet
	require.NoError(t, json.Unmarshal([]byte(`{"n":42,"o":{"a":true}}`), &s))

	v, _ := s.Get("n")
	assert.Equal(t, "42", v)
	v, _ = s.Get("o")
	assert.Equal(t, `{"a":true}`, v)
}

func TestCredentialSet_JSONErrors(t *testing.T) {
	var s CredentialSet
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &s))
	assert.Error(t, json.Unmarshal([]byte(`{"a":`), &s))

	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	assert.True(t, s.IsEmpty())

	out, err := json.Marshal(CredentialSet{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))
}

func TestCredentialSet_CloneIsIndependent(t *testing.T) {
	s := NewCredentialSet(CredentialEntry{Key: "k", Value: "v"})
	c := s.Clone()
	c.Set("k", "changed")
	c.Set("new", "x")

	v, _ := s.Get("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Equal(c))
	assert.True(t, s.Equal(s.Clone()))
}

func TestCredentialPayload_Accessors(t *testing.T) {
	var p CredentialPayload
	require.NoError(t, json.Unmarshal([]byte(`{
		"access_token": "a",
		"refresh_token": "r",
		"expires_at": 1700000000,
		"expires_in": "3600",
		"user": {"id": "u1", "email": "dev@example.com"},
		"provider_token": null
	}`), &p))

	assert.Equal(t, "a", p.AccessToken())
	assert.Equal(t, "r", p.RefreshToken())

	at, ok := p.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), at)

	in, ok := p.ExpiresIn()
	require.True(t, ok)
	assert.Equal(t, int64(3600), in)

	user, ok := p.User()
	require.True(t, ok)
	assert.Equal(t, UserSummary{Email: "dev@example.com", UserID: "u1"}, user)
}

func TestCredentialPayload_MissingAndMalformed(t *testing.T) {
	p := CredentialPayload{
		"refresh_token": json.RawMessage(`123`),
		"expires_at":    json.RawMessage(`"soon"`),
		"user":          json.RawMessage(`"nobody"`),
	}

	assert.Empty(t, p.RefreshToken())
	assert.Empty(t, p.AccessToken())
	_, ok := p.ExpiresAt()
	assert.False(t, ok)
	_, ok = p.ExpiresIn()
	assert.False(t, ok)
	_, ok = p.User()
	assert.False(t, ok)
}

func TestCredentialPayload_FloatExpiry(t *testing.T) {
	p := CredentialPayload{"expires_at": json.RawMessage(`1700000000.75`)}
	at, ok := p.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), at)
}

func TestCredentialPayload_SetAndClone(t *testing.T) {
	p := CredentialPayload{"foo": json.RawMessage(`"bar"`)}
	c := p.Clone()
	require.NoError(t, c.Set("expires_at", int64(10)))
	require.NoError(t, c.Set("foo", "baz"))

	_, ok := p.ExpiresAt()
	assert.False(t, ok)
	assert.JSONEq(t, `"bar"`, string(p["foo"]))
	assert.JSONEq(t, `"baz"`, string(c["foo"]))
	assert.Nil(t, CredentialPayload(nil).Clone())
}
