// Package gateway resolves the client API endpoint to connect to, taking the
// user's region and shared/dedicated server mode into account.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
)

// Resolver queries the provisioning API for the websocket endpoint serving
// the user's account region.
type Resolver struct {
	domain             string
	region             string
	token              string
	useSharedClientAPI bool
	provisioningURL    string
	httpClient         *http.Client
	logger             *slog.Logger

	dedicatedNoteOnce sync.Once
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// NewResolver creates an endpoint resolver.
func NewResolver(domain, region, token string, useSharedClientAPI bool, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		domain:             domain,
		region:             region,
		token:              token,
		useSharedClientAPI: useSharedClientAPI,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.httpClient = hc
	}
}

// WithProvisioningURL overrides the provisioning API base URL.
func WithProvisioningURL(url string) ResolverOption {
	return func(r *Resolver) {
		r.provisioningURL = url
	}
}

type serverInfo struct {
	URL      string `json:"url"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
}

// ResolveURL returns the websocket endpoint base URL for the configured
// region and server mode.
func (r *Resolver) ResolveURL(ctx context.Context) (string, error) {
	region := r.region
	isDefaultRegion := true
	if region != "" {
		regions, err := r.fetchRegions(ctx)
		if err != nil {
			return "", err
		}
		if len(regions) == 0 {
			return "", errs.New(errs.NotFound, "no regions available for the current user")
		}
		found := false
		for _, known := range regions {
			if known == region {
				found = true
				break
			}
		}
		if !found {
			return "", errs.New(errs.NotFound,
				fmt.Sprintf("region %s not found, available regions: %v", region, regions))
		}
		isDefaultRegion = region == regions[0]
	}

	if r.useSharedClientAPI {
		if isDefaultRegion {
			return fmt.Sprintf("https://mt-client-api-v1.%s", r.domain), nil
		}
		return fmt.Sprintf("https://mt-client-api-v1.%s.%s", region, r.domain), nil
	}

	server, err := r.fetchServer(ctx)
	if err != nil {
		return "", err
	}
	r.dedicatedNoteOnce.Do(func() {
		r.logger.Info("connecting to a dedicated server, the first start may take up to 3 minutes")
	})
	if isDefaultRegion {
		return server.URL, nil
	}
	return fmt.Sprintf("https://%s.%s.%s", server.Hostname, region, server.Domain), nil
}

// fetchRegions lists the regions available to the current user, default
// region first.
func (r *Resolver) fetchRegions(ctx context.Context) ([]string, error) {
	var regions []string
	if err := r.get(ctx, "/users/current/regions", &regions); err != nil {
		return nil, err
	}
	return regions, nil
}

// fetchServer looks up the user's dedicated client API server.
func (r *Resolver) fetchServer(ctx context.Context) (*serverInfo, error) {
	var server serverInfo
	if err := r.get(ctx, "/users/current/servers/mt-client-api", &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (r *Resolver) get(ctx context.Context, path string, result any) error {
	base := r.provisioningURL
	if base == "" {
		base = fmt.Sprintf("https://mt-provisioning-api-v1.%s", r.domain)
	}
	fullURL := base + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("auth-token", r.token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		kind := errs.Internal
		switch resp.StatusCode {
		case http.StatusNotFound:
			kind = errs.NotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = errs.Unauthorized
		case http.StatusTooManyRequests:
			kind = errs.TooManyRequests
		}
		return errs.New(kind, fmt.Sprintf("provisioning api error %d: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
