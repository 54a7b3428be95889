package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces all cache keys in Redis.
const KeyPrefix = "hris"

// CacheKey identifies a cached response.
type CacheKey struct {
	// Endpoint is the request path, e.g. "/v1/employees/e-1042".
	Endpoint string

	QueryParams url.Values

	// Tenant separates responses of different API accounts sharing one Redis.
	Tenant string
}

// String returns a deterministic key.
//
// Format: hris[:tenant]:endpoint[:q1=v1,v2][:q2=v]
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	if k.Tenant != "" {
		parts = append(parts, k.Tenant)
	}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		names := make([]string, 0, len(k.QueryParams))
		for name := range k.QueryParams {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := append([]string(nil), k.QueryParams[name]...)
			sort.Strings(values)
			parts = append(parts, name+"="+strings.Join(values, ","))
		}
	}

	return strings.Join(parts, ":")
}
