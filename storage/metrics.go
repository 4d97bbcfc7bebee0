package storage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recache_store_hits_total",
			Help: "Total number of cache store hits",
		},
	)

	storeMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recache_store_misses_total",
			Help: "Total number of cache store misses",
		},
	)

	storeWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recache_store_writes_total",
			Help: "Total number of cache store writes",
		},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "set"
	)

	storeEntryBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recache_store_entry_bytes",
			Help:    "Size of cache entry bodies written to the store",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
)

// InstrumentedStore wraps a Store with prometheus counters. It is
// transparent to the caching logic; wrap any backend with Instrument
// to get metrics.
type InstrumentedStore struct {
	next Store
}

func Instrument(next Store) *InstrumentedStore {
	return &InstrumentedStore{next: next}
}

func (i *InstrumentedStore) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := i.next.Get(ctx, key)
	switch {
	case err == ErrNotFound:
		storeMisses.Inc()
	case err != nil:
		storeErrors.WithLabelValues("get").Inc()
	default:
		storeHits.Inc()
	}
	return entry, err
}

func (i *InstrumentedStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	err := i.next.Set(ctx, key, entry, ttl)
	if err != nil {
		storeErrors.WithLabelValues("set").Inc()
		return err
	}
	storeWrites.Inc()
	storeEntryBytes.Observe(float64(len(entry.Body)))
	return nil
}
