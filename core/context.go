package core

import (
	"context"
	"sync"
	"time"

	cachekey "github.com/re-cache/re-cache/pkg/cache-key"
)

type contextKey int

const (
	cacheContextKey contextKey = iota
	clientKey
)

// CacheContext is the per-request cache state attached at request
// entry. Downstream handler code may extend the target TTL, add to
// the observed age, or record dependency tags; nothing else about the
// caching decision is writable from below.
type CacheContext struct {
	mutex     sync.Mutex
	createdAt time.Time
	maxAge    int
	extraAge  int
	depends   []string
}

func newCacheContext(maxAgeSeconds int) *CacheContext {
	return &CacheContext{
		createdAt: time.Now(),
		maxAge:    maxAgeSeconds,
	}
}

// Age returns the response age in whole seconds: the time elapsed
// since request entry plus any age added by the handler.
func (cc *CacheContext) Age() int {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	return int(time.Since(cc.createdAt).Seconds()) + cc.extraAge
}

// AddAge records that the response was computed from data that is
// already ageSeconds old, backdating the eventual cache entry.
func (cc *CacheContext) AddAge(ageSeconds int) {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	cc.extraAge += ageSeconds
}

// MaxAge returns the target TTL in seconds for the entry being
// produced.
func (cc *CacheContext) MaxAge() int {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	return cc.maxAge
}

// SetMaxAge overrides the target TTL for the entry being produced.
func (cc *CacheContext) SetMaxAge(seconds int) {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	cc.maxAge = seconds
}

// Depends records dependency tags for future invalidation hooks.
func (cc *CacheContext) Depends(tags ...string) {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	cc.depends = append(cc.depends, tags...)
}

// DependencyTags returns the recorded dependency tags.
func (cc *CacheContext) DependencyTags() []string {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	tags := make([]string, len(cc.depends))
	copy(tags, cc.depends)
	return tags
}

func withCacheContext(ctx context.Context, cc *CacheContext) context.Context {
	return context.WithValue(ctx, cacheContextKey, cc)
}

// FromContext returns the CacheContext attached to ctx, or nil when
// the request is not passing through the caching layer.
func FromContext(ctx context.Context) *CacheContext {
	cc, _ := ctx.Value(cacheContextKey).(*CacheContext)
	return cc
}

// WithClient attaches the resolved client dimensions to ctx. The host
// application does this before the caching layer runs; the layer only
// consumes the values.
func WithClient(ctx context.Context, client cachekey.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// ClientFromContext returns the resolved client dimensions, or the
// zero value when none were attached.
func ClientFromContext(ctx context.Context) cachekey.Client {
	client, _ := ctx.Value(clientKey).(cachekey.Client)
	return client
}
