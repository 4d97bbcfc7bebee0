package core

import (
	"context"
	"net/http"
	"sync"

	cachecontrol "github.com/re-cache/re-cache/pkg/cache-control"
	capture "github.com/re-cache/re-cache/pkg/response-capture"
)

// recacheRegistry tracks pending background refreshes, at most one
// per key.
type recacheRegistry struct {
	mutex   sync.Mutex
	pending map[string]struct{}
}

func newRecacheRegistry() *recacheRegistry {
	return &recacheRegistry{
		pending: make(map[string]struct{}),
	}
}

// tryAcquire atomically claims the refresh slot for key. It returns
// false when a refresh is already pending, which suppresses the new
// one.
func (r *recacheRegistry) tryAcquire(key string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.pending[key]; ok {
		return false
	}
	r.pending[key] = struct{}{}
	return true
}

func (r *recacheRegistry) release(key string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.pending, key)
}

// scheduleRecache starts a background refresh for key unless one is
// already pending. It is called after the stale hit has been fully
// written to the client.
func (c *Cache) scheduleRecache(key string, r *http.Request, ageSeconds int64) {
	if !c.recache.tryAcquire(key) {
		c.log.Trace().Str("key", key).Msg("Refresh already pending")
		return
	}
	req := c.syntheticRequest(r, ageSeconds)
	go c.refresh(key, req)
}

// syntheticRequest clones the stale hit's request for background
// replay: same target and headers, but a detached context (the
// client's request context ends when its response does) and a
// server-scoped cache-control carrying the refreshed entry's TTL.
func (c *Cache) syntheticRequest(r *http.Request, ageSeconds int64) *http.Request {
	req := r.Clone(context.WithoutCancel(r.Context()))
	req.Header.Set("Cache-Control", cachecontrol.ServerHeader(c.recacheTTL(ageSeconds)))
	req.Body = http.NoBody
	return req
}

// refresh replays the origin handler against a shadow capture and
// writes the result through. It runs on its own goroutine; the
// pending slot is always released, and a panicking handler cannot
// take the process down.
func (c *Cache) refresh(key string, req *http.Request) {
	defer c.recache.release(key)

	log := c.log.With().Str("key", key).Str("path", req.URL.Path).Logger()
	defer func() {
		if err := recover(); err != nil {
			log.Error().Interface("error", err).Msg("Panic during cache refresh")
		}
	}()

	ctx, cancel := context.WithTimeout(req.Context(), c.recacheTimeout)
	defer cancel()
	req = req.WithContext(ctx)

	directives := cachecontrol.Parse(req.Header.Get("Cache-Control"), req.Header.Get("Authorization") != "")
	cc := newCacheContext(c.targetTTL(directives))
	req = req.WithContext(withCacheContext(req.Context(), cc))

	shadow := capture.NewShadow()
	c.next.ServeHTTP(shadow, req)
	shadow.WriteHeader(http.StatusOK)

	if status := shadow.StatusCode(); status >= http.StatusInternalServerError {
		// leave the stale entry in place; the next hit will trigger
		// another attempt
		log.Warn().Int("status", status).Msg("Refresh failed, keeping stale entry")
		return
	}

	log.Debug().Int("ttl", cc.MaxAge()).Msg("Refreshing cache entry")
	c.writeThrough(req.Context(), key, shadow, cc, directives, log)
}
