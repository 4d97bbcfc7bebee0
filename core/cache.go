// Package core implements the response-caching middleware: it
// decides per GET request whether to serve from the cache store,
// deduplicates concurrent identical misses so the origin handler runs
// at most once per key, and refreshes stale entries in the background
// without delaying the client.
package core

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"golang.org/x/sync/singleflight"

	cachecontrol "github.com/re-cache/re-cache/pkg/cache-control"
	cachekey "github.com/re-cache/re-cache/pkg/cache-key"
	capture "github.com/re-cache/re-cache/pkg/response-capture"
	"github.com/re-cache/re-cache/storage"
)

const (
	// defaultTTL is the target TTL for entries whose request carries
	// no server-scoped max-age and whose handler never calls
	// SetMaxAge.
	defaultTTL = 15 * time.Minute
	// defaultRecacheAgeFloor is the age past which a served hit
	// triggers a background refresh even before nominal expiry.
	defaultRecacheAgeFloor = 15 * time.Minute
	// defaultRecacheTimeout bounds a single background refresh.
	defaultRecacheTimeout = 30 * time.Second
)

type Config struct {
	// Store is the persistence backend. Required.
	Store storage.Store
	// DefaultTTL is the target TTL for new entries. Defaults to 15
	// minutes.
	DefaultTTL time.Duration
	// RecacheAgeFloor is the entry age past which a hit schedules a
	// background refresh. Defaults to 15 minutes.
	RecacheAgeFloor time.Duration
	// RecacheTTL maps a stale entry's age in seconds to the TTL of
	// the refreshed entry. Defaults to half the age, which keeps the
	// TTL from growing unboundedly on entries that are mostly served
	// stale.
	RecacheTTL func(ageSeconds int64) int
	// RecacheTimeout bounds a single background refresh. Defaults to
	// 30 seconds.
	RecacheTimeout time.Duration
	// VolatileParams are query parameters stripped from cache keys.
	// Defaults to the locale override parameter lang_ID.
	VolatileParams []string
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Cache is the caching middleware wrapped around an origin handler.
// It implements http.Handler.
type Cache struct {
	next            http.Handler
	store           storage.Store
	keyer           *cachekey.Builder
	flight          singleflight.Group
	recache         *recacheRegistry
	defaultTTL      int
	recacheAgeFloor int64
	recacheTTL      func(ageSeconds int64) int
	recacheTimeout  time.Duration
	log             zerolog.Logger
}

// New wraps the origin handler next with the caching layer.
func New(config Config, next http.Handler) *Cache {
	if config.Store == nil {
		panic("core: config.Store is required")
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = defaultTTL
	}
	if config.RecacheAgeFloor == 0 {
		config.RecacheAgeFloor = defaultRecacheAgeFloor
	}
	if config.RecacheTTL == nil {
		config.RecacheTTL = func(ageSeconds int64) int { return int(ageSeconds / 2) }
	}
	if config.RecacheTimeout == 0 {
		config.RecacheTimeout = defaultRecacheTimeout
	}
	if config.VolatileParams == nil {
		config.VolatileParams = []string{"lang_ID"}
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Cache{
		next:            next,
		store:           config.Store,
		keyer:           cachekey.NewBuilder(config.VolatileParams...),
		recache:         newRecacheRegistry(),
		defaultTTL:      int(config.DefaultTTL.Seconds()),
		recacheAgeFloor: int64(config.RecacheAgeFloor.Seconds()),
		recacheTTL:      config.RecacheTTL,
		recacheTimeout:  config.RecacheTimeout,
		log:             logger,
	}
}

// Middleware adapts New to the standard middleware shape for use with
// chi and friends.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return New(config, next)
	}
}

// ServeHTTP implements the http.Handler interface.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.next.ServeHTTP(w, r)
		return
	}

	authenticated := r.Header.Get("Authorization") != ""
	directives := cachecontrol.Parse(r.Header.Get("Cache-Control"), authenticated)
	key := c.keyer.Key(r, ClientFromContext(r.Context()))
	log := c.log.With().Str("key", key).Logger()

	if !directives.AllowRead {
		log.Trace().Msg("Cache read disabled by request directive")
		c.runOrigin(w, r, key, directives, log)
		return
	}

	if entry, ok := c.lookup(r.Context(), key, log); ok {
		c.serveHit(w, r, key, entry, directives, log)
		return
	}

	// Deduplicate concurrent misses. Do runs the winning function in
	// the caller's own goroutine, so only the request that actually
	// executed the origin has written to its ResponseWriter. Everyone
	// else waits for the in-flight call and re-checks the cache; if
	// that call produced nothing they loop, and one of them wins the
	// next round. The shared call result is deliberately ignored.
	for {
		executed := false
		_, err, _ := c.flight.Do(key, func() (interface{}, error) {
			executed = true
			return nil, c.leadOrigin(w, r, key, directives, log)
		})
		if executed {
			if err != nil {
				log.Error().Err(err).Msg("Origin handler panicked")
			}
			return
		}
		log.Trace().Msg("Awaited concurrent origin call")
		if entry, ok := c.lookup(r.Context(), key, log); ok {
			c.serveHit(w, r, key, entry, directives, log)
			return
		}
	}
}

// leadOrigin runs the origin as the winner of a single-flight round.
// A handler panic is converted to an error so waiters observe a plain
// failed call instead of a propagated panic, and the slot is released
// either way.
func (c *Cache) leadOrigin(w http.ResponseWriter, r *http.Request, key string, directives cachecontrol.Directives, log zerolog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("origin handler panic: %v", p)
		}
	}()
	c.runOrigin(w, r, key, directives, log)
	return nil
}

// lookup reads the store, treating every failure as a miss.
func (c *Cache) lookup(ctx context.Context, key string, log zerolog.Logger) (*storage.Entry, bool) {
	entry, err := c.store.Get(ctx, key)
	if err == storage.ErrNotFound {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("Cache read failed, treating as miss")
		return nil, false
	}
	return entry, true
}

// serveHit writes a stored entry to the client and schedules a
// background refresh when the entry is old enough to warrant one.
func (c *Cache) serveHit(w http.ResponseWriter, r *http.Request, key string, entry *storage.Entry, directives cachecontrol.Directives, log zerolog.Logger) {
	now := time.Now()
	age := entry.Age(now)

	h := w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	if entry.ContentEncoding != "" {
		h.Set("Content-Encoding", entry.ContentEncoding)
	}
	h.Set("Content-Length", strconv.FormatInt(entry.ContentLength, 10))
	h.Set("X-Cache", "hit")
	h.Set("X-Cache-Key", key)
	h.Set("Age", strconv.FormatInt(age, 10))
	h.Set("Cache-Control", scopeHeader(directives.Scope, int(entry.ExpiresAt-entry.IssuedAt)))
	w.WriteHeader(entry.StatusCode)
	if _, err := w.Write(entry.Body); err != nil {
		log.Warn().Err(err).Msg("Could not write cached body to client")
	}
	log.Debug().Int64("age", age).Int("status", entry.StatusCode).Msg("Served from cache")

	// the response is fully written at this point, so a refresh will
	// not compete with it for the connection
	if entry.Remaining(now) < 0 || age > c.recacheAgeFloor {
		c.scheduleRecache(key, r, age)
	}
}

// runOrigin executes the origin handler against the real response,
// recording it for the write-through.
func (c *Cache) runOrigin(w http.ResponseWriter, r *http.Request, key string, directives cachecontrol.Directives, log zerolog.Logger) {
	cc := newCacheContext(c.targetTTL(directives))
	r = r.WithContext(withCacheContext(r.Context(), cc))

	sink := capture.New(w)
	sink.BeforeWriteHeader = func(statusCode int, h http.Header) {
		h.Set("X-Cache", "miss")
		h.Set("X-Cache-Key", key)
		h.Set("Cache-Control", scopeHeader(directives.Scope, cc.MaxAge()))
		if statusCode < http.StatusInternalServerError {
			h.Set("Age", strconv.Itoa(cc.Age()))
		}
	}

	c.next.ServeHTTP(sink, r)
	// commit the response even if the handler wrote nothing
	sink.WriteHeader(http.StatusOK)

	c.writeThrough(r.Context(), key, sink, cc, directives, log)
}

// writeThrough persists a captured origin response. Server errors are
// never cached, and a failing store write never affects the response
// already sent.
func (c *Cache) writeThrough(ctx context.Context, key string, sink *capture.Capture, cc *CacheContext, directives cachecontrol.Directives, log zerolog.Logger) {
	status := sink.StatusCode()
	if status >= http.StatusInternalServerError {
		log.Debug().Int("status", status).Msg("Not caching server error")
		return
	}
	if !directives.AllowWrite {
		log.Trace().Msg("Cache write disabled by request directive")
		return
	}

	age := cc.Age()
	targetTTL := cc.MaxAge()
	ttl := targetTTL - age
	if ttl <= 0 {
		log.Debug().Int("age", age).Int("max_age", targetTTL).Msg("Response already older than its TTL, not caching")
		return
	}

	issuedAt := time.Now().Unix() - int64(age)
	entry := &storage.Entry{
		IssuedAt:        issuedAt,
		ExpiresAt:       issuedAt + int64(targetTTL),
		StatusCode:      status,
		StatusMessage:   sink.StatusMessage(),
		ContentType:     sink.ContentType(),
		ContentLength:   sink.ContentLength(),
		ContentEncoding: sink.ContentEncoding(),
		Body:            append([]byte(nil), sink.Body()...),
	}
	// the write must outlive the request: a client that disconnected
	// mid-response has already canceled ctx, and the captured response
	// is still worth keeping
	if err := c.store.Set(context.WithoutCancel(ctx), key, entry, time.Duration(ttl)*time.Second); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		return
	}
	log.Trace().
		Int("ttl", ttl).
		Int("status", status).
		Strs("depends", cc.DependencyTags()).
		Msg("Cache write")
}

// targetTTL is the starting TTL for a new entry: the server-scoped
// max-age override when present, the configured default otherwise.
func (c *Cache) targetTTL(directives cachecontrol.Directives) int {
	if directives.MaxAge != nil {
		return *directives.MaxAge
	}
	return c.defaultTTL
}

func scopeHeader(scope cachecontrol.Scope, maxAge int) string {
	return fmt.Sprintf("%s, max-age=%d", scope, maxAge)
}
