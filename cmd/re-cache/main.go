package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/re-cache/re-cache/core"
	cachekey "github.com/re-cache/re-cache/pkg/cache-key"
	"github.com/re-cache/re-cache/storage"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	backendFlag        string
	dbFilenameFlag     string
	redisAddrFlag      string
	configFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&backendFlag, "backend", "sqlite", "Cache backend: memory, sqlite or redis")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name for the sqlite backend")
	flag.StringVar(&redisAddrFlag, "redis", "localhost:6379", "Redis address for the redis backend")
	flag.StringVar(&configFlag, "config", "", "Optional yaml config file")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFlag != "" {
		var err error
		if config, err = getConfig(configFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFlag).Msg("Could not read config file")
		}
	}

	if originFlag == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(originFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	cacheConfig := core.Config{
		Store:           storage.Instrument(newStore()),
		DefaultTTL:      time.Duration(config.DefaultTTLSeconds) * time.Second,
		RecacheAgeFloor: time.Duration(config.RecacheAgeFloorSeconds) * time.Second,
		VolatileParams:  config.VolatileParams,
	}

	origin := httputil.NewSingleHostReverseProxy(originURL)

	router := chi.NewRouter()
	router.Use(resolveClient)
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/*", core.New(cacheConfig, origin))

	log.Info().Msgf("Caching port %v for origin %s", portFlag, originURL)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func newStore() storage.Store {
	switch backendFlag {
	case "memory":
		return storage.NewMemoryStore()
	case "redis":
		return storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: redisAddrFlag}), "recache:")
	case "sqlite":
		store, err := storage.NewSQLiteStore(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache db")
		}
		return store
	default:
		log.Fatal().Str("backend", backendFlag).Msg("Unknown backend")
		return nil
	}
}

// resolveClient derives the client cache dimensions from trusted
// upstream headers. A real deployment resolves entitlement, tenant
// and locale in its own middleware and attaches them the same way.
func resolveClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := cachekey.Client{
			Pro:          r.Header.Get("X-Pro") == "true",
			Domain:       r.Header.Get("X-Domain"),
			Locale:       r.Header.Get("X-Locale"),
			NumberFormat: r.Header.Get("X-Number-Format"),
		}
		next.ServeHTTP(w, r.WithContext(core.WithClient(r.Context(), client)))
	})
}
