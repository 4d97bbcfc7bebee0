// Package cachecontrol parses the request Cache-Control header into
// the read/write/TTL decisions the caching layer acts on.
//
// The layer only obeys directives that are explicitly addressed to it
// with the `server` token. A plain `no-cache` or `no-store` is a hint
// for clients and intermediaries, not for this layer, and is ignored
// here. Likewise `max-age` only overrides the server-side TTL when
// the header carries `server`.
package cachecontrol

import (
	"strconv"
	"strings"
)

// Scope tags a response as cacheable publicly or only for the
// authenticated requester.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopePrivate Scope = "private"
)

// Directives is the per-request caching decision, derived once at
// request entry and read-only afterwards.
type Directives struct {
	// AllowRead is false when the request forbids serving from cache.
	AllowRead bool
	// AllowWrite is false when the request forbids storing the
	// response.
	AllowWrite bool
	// MaxAge is a server-scoped TTL override in seconds, nil when the
	// request does not carry one.
	MaxAge *int
	// Scope is private when the request is authenticated.
	Scope Scope
}

// Parse derives Directives from a Cache-Control header value and the
// presence of request authentication. Directive separators may be
// commas or semicolons; tokens are case-insensitive.
func Parse(header string, authenticated bool) Directives {
	d := Directives{
		AllowRead:  true,
		AllowWrite: true,
		Scope:      ScopePublic,
	}
	if authenticated {
		d.Scope = ScopePrivate
	}

	tokens := parseTokens(header)
	_, server := tokens["server"]
	if !server {
		return d
	}
	if _, ok := tokens["no-cache"]; ok {
		d.AllowRead = false
	}
	if _, ok := tokens["no-store"]; ok {
		d.AllowWrite = false
	}
	if val, ok := tokens["max-age"]; ok {
		if secs, err := strconv.Atoi(val); err == nil && secs >= 0 {
			d.MaxAge = &secs
		}
	}
	return d
}

// parseTokens splits a header value into directive tokens and their
// optional values.
func parseTokens(header string) map[string]string {
	tokens := make(map[string]string)
	for _, part := range strings.FieldsFunc(header, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		directive := strings.TrimSpace(part)
		if directive == "" {
			continue
		}
		name, val, _ := strings.Cut(directive, "=")
		tokens[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(val)
	}
	return tokens
}

// ServerHeader renders a Cache-Control value addressed to this layer,
// as attached to synthetic refresh requests.
func ServerHeader(maxAge int) string {
	return "server; max-age=" + strconv.Itoa(maxAge)
}
