// Package hrclient is the HTTP client for the HR system's REST API.
//
// The client performs exactly one round trip per call and never retries:
// non-2xx answers and transport failures come back as *queue.Error values so
// the request queue can decide about retries. GET responses are cached in
// Redis when a Redis client is configured.
package hrclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/hris-importer/pkg/cache"
	"github.com/Sternrassler/hris-importer/pkg/logging"
	"github.com/Sternrassler/hris-importer/pkg/queue"
)

// Prometheus metrics for HR API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hris_requests_total",
		Help: "Total HR API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hris_request_duration_seconds",
		Help:    "HR API request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hris_errors_total",
		Help: "Total HR API errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the HR API, e.g. "https://api.example-hr.com".
	BaseURL string

	// APIToken is sent as a bearer token.
	APIToken string

	UserAgent string

	// Timeout bounds a single round trip.
	Timeout time.Duration

	// Tenant namespaces cache keys when several accounts share one Redis.
	Tenant string

	// Redis enables the GET response cache. Optional.
	Redis redis.Cmdable

	// CacheRetention keeps stale entries for revalidation.
	CacheRetention time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration for baseURL with sane timeouts.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:        baseURL,
		APIToken:       token,
		UserAgent:      "hris-importer/1.0",
		Timeout:        30 * time.Second,
		CacheRetention: cache.DefaultStaleRetention,
	}
}

// Client talks to the HR API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hris-importer/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logging.OrDefault(cfg.Logger, "hrclient"),
		now:        time.Now,
	}
	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis, cfg.CacheRetention)
	}
	return c, nil
}

// Do performs one request. For GET requests the cache is consulted first:
// fresh entries are returned without a round trip, stale entries with
// validators are revalidated. A non-2xx answer is returned as *queue.Error
// with the body already closed; otherwise the caller closes the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := routeLabel(req.URL.Path)

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var (
		key    cache.CacheKey
		cached *cache.Entry
	)
	if c.cache != nil && req.Method == http.MethodGet {
		key = cache.CacheKey{Endpoint: req.URL.Path, QueryParams: req.URL.Query(), Tenant: c.config.Tenant}
		cached = c.lookup(ctx, key)

		if cached != nil && cached.Fresh(c.now()) {
			cache.CacheHits.WithLabelValues("fresh").Inc()
			requestsTotal.WithLabelValues(endpoint, "cached").Inc()
			return cache.EntryToResponse(cached), nil
		}
		if cache.ShouldRevalidate(cached, c.now()) {
			cache.AddConditionalHeaders(req, cached)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("endpoint", endpoint).
				Str("etag", cached.ETag).
				Msg("Revalidating cached response")
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("endpoint", endpoint).
		Msg("Executing HR API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		err = transportError(err)
		if class := queue.Classify(err); class == queue.ClassNetwork {
			errorsTotal.WithLabelValues(string(class)).Inc()
		}
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HR API request failed")
		return nil, err
	}
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		resp.Body.Close()
		return c.revalidated(ctx, key, cached, resp.Header), nil
	}

	if resp.StatusCode >= 400 || resp.StatusCode == http.StatusNotModified {
		qe := responseError(resp, c.now())
		errorsTotal.WithLabelValues(string(qe.Class)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", qe.StatusCode).
			Str("error_class", string(qe.Class)).
			Dur("retry_after", qe.RetryAfter).
			Str("message", qe.Message).
			Msg("HR API request error")
		return nil, qe
	}

	if c.cache != nil && req.Method == http.MethodGet && cache.Cacheable(resp) {
		c.store(ctx, key, resp)
	}
	return resp, nil
}

// lookup returns the cached entry for key or nil.
func (c *Client) lookup(ctx context.Context, key cache.CacheKey) *cache.Entry {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
		}
		return nil
	}
	return entry
}

func (c *Client) revalidated(ctx context.Context, key cache.CacheKey, entry *cache.Entry, header http.Header) *http.Response {
	cache.NotModifiedResponses.Inc()
	cache.CacheHits.WithLabelValues("revalidated").Inc()

	expires := cache.FreshUntil(header, c.now())
	if err := c.cache.UpdateTTL(ctx, key, expires); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to extend cached response")
	}
	entry.Expires = expires

	c.logger.Debug().Str("key", key.String()).Msg("304 Not Modified, using cached response")
	return cache.EntryToResponse(entry)
}

func (c *Client) store(ctx context.Context, key cache.CacheKey, resp *http.Response) {
	entry, err := cache.ResponseToEntry(resp, c.now())
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		return
	}
	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().
		Str("key", key.String()).
		Dur("ttl", entry.TTL(c.now())).
		Msg("Cached response")
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// SetHTTPClient replaces the HTTP client, e.g. to inject a transport.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Cache returns the response cache, or nil when caching is disabled.
func (c *Client) Cache() *cache.Manager {
	return c.cache
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// routeLabel collapses ids in a path so metric labels stay bounded:
// /v1/employees/emp-7 becomes /v1/employees/{id}.
func routeLabel(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 2; i < len(segs); i += 2 {
		segs[i] = "{id}"
	}
	return "/" + strings.Join(segs, "/")
}
