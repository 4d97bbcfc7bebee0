// Package cachekey derives deterministic cache keys from a request
// and its resolved client dimensions.
package cachekey

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	methodSeparator = ":"
	dimSeparator    = ":"
	noneValue       = "none"
)

// encodingPriority is the order in which Accept-Encoding values are
// matched; the first one present wins.
var encodingPriority = []string{"br", "gzip", "deflate"}

// EncodingIdentity is the encoding dimension used when the client
// accepts none of the known compressed encodings.
const EncodingIdentity = "identity"

// Client carries the request dimensions that partition the cache:
// entitlement tier, resolved tenant domain, resolved locale, and the
// numeric formatting variant. Resolving these is the host
// application's job; the key builder only consumes them.
type Client struct {
	Pro          bool
	Domain       string
	Locale       string
	NumberFormat string
}

// Builder derives cache keys. The zero value is not usable; create
// one with NewBuilder.
type Builder struct {
	// volatile query parameters are stripped before the query is
	// serialized into the key.
	volatileParams map[string]bool
}

// NewBuilder returns a Builder that strips the given query parameters
// from keys.
func NewBuilder(volatileParams ...string) *Builder {
	volatile := make(map[string]bool, len(volatileParams))
	for _, p := range volatileParams {
		volatile[p] = true
	}
	return &Builder{volatileParams: volatile}
}

// Key builds the cache key for a request. The key is an ordered
// concatenation of method, path, normalized query, and the fixed
// dimension list pro/domain/lang/format/encoding, so equal logical
// requests always produce the same key across processes.
func (b *Builder) Key(r *http.Request, client Client) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteString(methodSeparator)
	sb.WriteString(r.URL.Path)
	if query := b.normalizeQuery(r.URL.Query()); query != "" {
		sb.WriteString("?")
		sb.WriteString(query)
	}
	writeDim(&sb, "pro", strconv.FormatBool(client.Pro))
	writeDim(&sb, "domain", client.Domain)
	writeDim(&sb, "lang", client.Locale)
	writeDim(&sb, "format", client.NumberFormat)
	writeDim(&sb, "encoding", NegotiateEncoding(r.Header.Get("Accept-Encoding")))
	return sb.String()
}

// normalizeQuery drops volatile parameters and re-serializes the rest
// in the sorted order url.Values.Encode guarantees.
func (b *Builder) normalizeQuery(query url.Values) string {
	for param := range b.volatileParams {
		query.Del(param)
	}
	return query.Encode()
}

func writeDim(sb *strings.Builder, name, value string) {
	if value == "" {
		value = noneValue
	}
	sb.WriteString(dimSeparator)
	sb.WriteString(name)
	sb.WriteString("=")
	sb.WriteString(value)
}

// NegotiateEncoding picks the content encoding dimension for an
// Accept-Encoding header value: the first of br, gzip, deflate the
// client accepts, identity otherwise.
func NegotiateEncoding(acceptEncoding string) string {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		// strip any quality value
		enc, _, _ := strings.Cut(part, ";")
		accepted[strings.ToLower(strings.TrimSpace(enc))] = true
	}
	for _, enc := range encodingPriority {
		if accepted[enc] {
			return enc
		}
	}
	return EncodingIdentity
}
