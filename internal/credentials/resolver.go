package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// DefaultEndpoints maps CMR provider ids to their DAAC credential endpoints.
var DefaultEndpoints = map[string]string{
	"POCLOUD":    "https://archive.podaac.earthdata.nasa.gov/s3credentials",
	"LPCLOUD":    "https://data.lpdaac.earthdatacloud.nasa.gov/s3credentials",
	"NSIDC_CPRD": "https://data.nsidc.earthdatacloud.nasa.gov/s3credentials",
	"GES_DISC":   "https://data.gesdisc.earthdata.nasa.gov/s3credentials",
	"ORNL_CLOUD": "https://data.ornldaac.earthdata.nasa.gov/s3credentials",
	"GHRC_DAAC":  "https://data.ghrc.earthdata.nasa.gov/s3credentials",
	"ASF":        "https://sentinel1.asf.alaska.edu/s3credentials",
	"LAADS":      "https://data.laadsdaac.earthdatacloud.nasa.gov/s3credentials",
	"OB_CLOUD":   "https://obdaac-tea.earthdatacloud.nasa.gov/s3credentials",
}

var (
	// ErrUnknownProvider is returned for providers without a credential endpoint.
	ErrUnknownProvider = errors.New("no credential endpoint for provider")
	// ErrNoIdentity is returned when credentials are requested without a login.
	ErrNoIdentity = errors.New("no Earthdata identity")
)

// S3Credentials are temporary, provider-scoped AWS credentials.
type S3Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Expiration      string `json:"expiration"`
}

// Resolver returns S3 credentials for a provider on behalf of an identity.
type Resolver interface {
	Resolve(ctx context.Context, id *Identity, provider string) (S3Credentials, error)
}

// EndpointResolver calls the DAAC /s3credentials endpoints.
type EndpointResolver struct {
	endpoints  map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewEndpointResolver creates a resolver using DefaultEndpoints plus overrides.
func NewEndpointResolver(overrides map[string]string, timeout time.Duration) *EndpointResolver {
	endpoints := maps.Clone(DefaultEndpoints)
	maps.Copy(endpoints, overrides)
	return &EndpointResolver{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// WithLogger sets a custom logger for the resolver.
func (r *EndpointResolver) WithLogger(logger *slog.Logger) *EndpointResolver {
	r.logger = logger
	return r
}

// Resolve fetches fresh credentials for provider.
func (r *EndpointResolver) Resolve(ctx context.Context, id *Identity, provider string) (S3Credentials, error) {
	endpoint, ok := r.endpoints[provider]
	if !ok {
		return S3Credentials{}, fmt.Errorf("%w %q", ErrUnknownProvider, provider)
	}
	if id == nil {
		return S3Credentials{}, ErrNoIdentity
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return S3Credentials{}, fmt.Errorf("failed to create request: %w", err)
	}
	id.Authorize(req)
	req.Header.Set("Accept", "application/json")

	r.logger.DebugContext(ctx, "requesting S3 credentials",
		slog.String("provider", provider),
		slog.String("endpoint", endpoint),
	)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return S3Credentials{}, fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		r.logger.ErrorContext(ctx, "credential endpoint returned non-200 status",
			slog.String("provider", provider),
			slog.Int("status_code", resp.StatusCode),
		)
		return S3Credentials{}, fmt.Errorf("credential endpoint for %s returned status %d: %s", provider, resp.StatusCode, string(body))
	}

	var creds S3Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return S3Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return S3Credentials{}, fmt.Errorf("credential endpoint for %s returned incomplete credentials", provider)
	}
	return creds, nil
}

// CachedResolver memoizes credentials per (identity, provider) for a TTL
// shorter than the credential lifetime. Concurrent misses for one key share
// a single upstream call that is not cancelled with any one caller. Failures
// are not cached.
type CachedResolver struct {
	next  Resolver
	lru   *expirable.LRU[string, S3Credentials]
	group singleflight.Group
}

// NewCachedResolver wraps next with an LRU of size entries living ttl.
func NewCachedResolver(next Resolver, size int, ttl time.Duration) *CachedResolver {
	c := &CachedResolver{next: next}
	if size > 0 && ttl > 0 {
		c.lru = expirable.NewLRU[string, S3Credentials](size, nil, ttl)
	}
	return c
}

// Resolve returns cached credentials or fetches them.
func (c *CachedResolver) Resolve(ctx context.Context, id *Identity, provider string) (S3Credentials, error) {
	key := id.Fingerprint() + "|" + provider
	if c.lru != nil {
		if creds, ok := c.lru.Get(key); ok {
			return creds, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		creds, err := c.next.Resolve(context.WithoutCancel(ctx), id, provider)
		if err != nil {
			return nil, err
		}
		if c.lru != nil {
			c.lru.Add(key, creds)
		}
		return creds, nil
	})
	select {
	case <-ctx.Done():
		return S3Credentials{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return S3Credentials{}, r.Err
		}
		return r.Val.(S3Credentials), nil
	}
}
