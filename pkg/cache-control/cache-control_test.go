package cachecontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerTokenRules(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		allowRead  bool
		allowWrite bool
	}{
		{"empty header", "", true, true},
		{"client no-cache is ignored", "no-cache", true, true},
		{"client no-store is ignored", "no-store", true, true},
		{"server no-cache disables reads", "no-cache; server", false, true},
		{"server no-store disables writes", "no-store; server", true, false},
		{"comma separators", "no-cache, server", false, true},
		{"both directives", "no-cache; no-store; server", false, false},
		{"case insensitive", "NO-CACHE; Server", false, true},
		{"server alone changes nothing", "server", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Parse(tt.header, false)
			assert.Equal(t, tt.allowRead, d.AllowRead, "AllowRead")
			assert.Equal(t, tt.allowWrite, d.AllowWrite, "AllowWrite")
		})
	}
}

func TestParseMaxAge(t *testing.T) {
	d := Parse("server; max-age=120", false)
	require.NotNil(t, d.MaxAge)
	assert.Equal(t, 120, *d.MaxAge)

	// a client max-age must not override server policy
	d = Parse("max-age=120", false)
	assert.Nil(t, d.MaxAge)

	d = Parse("server; max-age=bogus", false)
	assert.Nil(t, d.MaxAge)

	d = Parse("server; max-age=-5", false)
	assert.Nil(t, d.MaxAge)
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, ScopePublic, Parse("", false).Scope)
	assert.Equal(t, ScopePrivate, Parse("", true).Scope)
}

func TestServerHeaderRoundTrip(t *testing.T) {
	d := Parse(ServerHeader(450), false)
	require.NotNil(t, d.MaxAge)
	assert.Equal(t, 450, *d.MaxAge)
	assert.True(t, d.AllowRead)
	assert.True(t, d.AllowWrite)
}
