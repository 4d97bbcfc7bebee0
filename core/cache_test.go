package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachekey "github.com/re-cache/re-cache/pkg/cache-key"
	"github.com/re-cache/re-cache/storage"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.WarnLevel)
}

func testGet(target string, header map[string]string) *http.Request {
	r := httptest.NewRequest("GET", target, nil)
	for name, value := range header {
		r.Header.Set(name, value)
	}
	return r.WithContext(WithClient(r.Context(), cachekey.Client{Domain: "shop", Locale: "en"}))
}

func TestMissThenHitScenario(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`["a","b"]`))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	req := testGet("/items?sort=asc&lang_ID=fr", map[string]string{"Accept-Encoding": "gzip"})

	first := httptest.NewRecorder()
	c.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "miss", first.Header().Get("X-Cache"))
	assert.Equal(t, "0", first.Header().Get("Age"))
	assert.Equal(t, "public, max-age=900", first.Header().Get("Cache-Control"))
	key := first.Header().Get("X-Cache-Key")
	assert.Contains(t, key, "encoding=gzip")
	assert.Contains(t, key, "domain=shop")
	assert.NotContains(t, key, "lang_ID")

	second := httptest.NewRecorder()
	c.ServeHTTP(second, testGet("/items?sort=asc&lang_ID=fr", map[string]string{"Accept-Encoding": "gzip"}))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.Equal(t, `["a","b"]`, second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, key, second.Header().Get("X-Cache-Key"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestServerErrorNotCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unavailable"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, testGet("/items", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
	assert.Empty(t, rec.Header().Get("Age"))
	assert.Equal(t, 0, store.Len())
}

func TestClientErrorIsCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such item", http.StatusNotFound)
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	c.ServeHTTP(httptest.NewRecorder(), testGet("/items/missing", nil))
	assert.Equal(t, 1, store.Len())

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, testGet("/items/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get("X-Cache"))
}

func TestNoStoreServerDirective(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, testGet("/items", map[string]string{"Cache-Control": "no-store; server"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fresh", rec.Body.String())
	assert.Equal(t, 0, store.Len())
}

func TestClientNoStoreIsIgnored(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	c.ServeHTTP(httptest.NewRecorder(), testGet("/items", map[string]string{"Cache-Control": "no-store"}))
	assert.Equal(t, 1, store.Len())
}

func TestServerMaxAgeOverridesTTL(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	req := testGet("/items", map[string]string{"Cache-Control": "server; max-age=60"})
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	assert.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))

	entry, err := store.Get(req.Context(), rec.Header().Get("X-Cache-Key"))
	require.NoError(t, err)
	assert.Equal(t, int64(60), entry.ExpiresAt-entry.IssuedAt)
}

func TestNonGetBypassesCache(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("created"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		c.ServeHTTP(rec, httptest.NewRequest("POST", "/items", nil))
		assert.Empty(t, rec.Header().Get("X-Cache"))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, store.Len())
}

func TestAuthenticatedScopeIsPrivate(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("profile"))
	})
	c := New(Config{Store: storage.NewMemoryStore()}, handler)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, testGet("/profile", map[string]string{"Authorization": "Bearer token"}))
	assert.Equal(t, "private, max-age=900", rec.Header().Get("Cache-Control"))
}

func TestConcurrentMissRunsOriginOnce(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("expensive"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	const n = 20
	var wg sync.WaitGroup
	codes := make([]int, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			c.ServeHTTP(rec, testGet("/expensive", nil))
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, "expensive", bodies[i])
	}
}

func TestPanickingOriginDoesNotStrandWaiters(t *testing.T) {
	var calls int32
	gate := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-gate
			panic("origin blew up")
		}
		w.Write([]byte("second try"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	const n = 5
	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			assert.NotPanics(t, func() {
				c.ServeHTTP(rec, testGet("/flaky", nil))
			})
			bodies[i] = rec.Body.String()
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	// only the request that ran the panicking handler comes back
	// empty; everyone queued behind it retries and is served
	empty := 0
	for i := 0; i < n; i++ {
		if bodies[i] == "" {
			empty++
		} else {
			assert.Equal(t, "second try", bodies[i])
		}
	}
	assert.Equal(t, 1, empty)
	assert.Equal(t, 1, store.Len())
}

func TestWriteThroughSurvivesClientDisconnect(t *testing.T) {
	inner := storage.NewMemoryStore()
	store := cancelAwareStore{inner}

	ctx, cancel := context.WithCancel(context.Background())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client goes away while the response is being produced
		cancel()
		w.Write([]byte("salvaged"))
	})
	c := New(Config{Store: store}, handler)

	req := testGet("/slow", nil).WithContext(WithClient(ctx, cachekey.Client{Domain: "shop", Locale: "en"}))
	c.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1, inner.Len())
}

func TestDownstreamExtendsTTLAndTags(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cc := FromContext(r.Context())
		require.NotNil(t, cc)
		cc.SetMaxAge(3600)
		cc.Depends("products", "prices")
		w.Write([]byte("catalog"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	req := testGet("/catalog", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	entry, err := store.Get(req.Context(), rec.Header().Get("X-Cache-Key"))
	require.NoError(t, err)
	assert.Equal(t, int64(3600), entry.ExpiresAt-entry.IssuedAt)
}

func TestDownstreamAddedAgeBackdatesEntry(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// response assembled from data that was already 30s old
		FromContext(r.Context()).AddAge(30)
		w.Write([]byte("aggregated"))
	})
	store := storage.NewMemoryStore()
	c := New(Config{Store: store}, handler)

	req := testGet("/aggregate", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	assert.Equal(t, "30", rec.Header().Get("Age"))

	entry, err := store.Get(req.Context(), rec.Header().Get("X-Cache-Key"))
	require.NoError(t, err)
	assert.InDelta(t, 30, entry.Age(time.Now()), 1.5)
	assert.Equal(t, int64(900), entry.ExpiresAt-entry.IssuedAt)
}

func TestStoreReadFailureFallsThroughToOrigin(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("served anyway"))
	})
	c := New(Config{Store: failingStore{}}, handler)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, testGet("/items", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "served anyway", rec.Body.String())
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) (*storage.Entry, error) {
	return nil, fmt.Errorf("backend down")
}

func (failingStore) Set(ctx context.Context, key string, entry *storage.Entry, ttl time.Duration) error {
	return fmt.Errorf("backend down")
}

// cancelAwareStore refuses writes on a canceled context, the way a
// real network-backed store would.
type cancelAwareStore struct {
	*storage.MemoryStore
}

func (s cancelAwareStore) Set(ctx context.Context, key string, entry *storage.Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, key, entry, ttl)
}
