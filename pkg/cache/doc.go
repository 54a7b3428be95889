// Package cache stores HR API GET responses in Redis and revalidates them
// with conditional requests.
//
// Entries stay in Redis past their freshness lifetime so that a stale entry
// can be revalidated with If-None-Match instead of downloaded again. A 304
// answer extends the entry's freshness and the cached body is served.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, cache.DefaultStaleRetention)
//
//	key := cache.CacheKey{
//		Endpoint: "/v1/employees/e-1042",
//		Tenant:   "acme",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	switch {
//	case errors.Is(err, cache.ErrCacheMiss):
//		// fetch
//	case entry.Fresh(time.Now()):
//		return cache.EntryToResponse(entry), nil
//	case cache.ShouldRevalidate(entry, time.Now()):
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - hris_cache_hits_total{kind} - fresh hits and revalidated hits
//   - hris_cache_misses_total - lookups that found nothing usable
//   - hris_cache_conditional_requests_total - requests sent with validators
//   - hris_cache_not_modified_total - 304 answers to those requests
//   - hris_cache_errors_total{operation} - Redis or decoding failures
package cache
