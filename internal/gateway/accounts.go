package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
)

// Account states reported by the provisioning API.
const (
	StateCreated     = "CREATED"
	StateDeploying   = "DEPLOYING"
	StateDeployed    = "DEPLOYED"
	StateUndeploying = "UNDEPLOYING"
	StateUndeployed  = "UNDEPLOYED"
	StateDeleting    = "DELETING"
)

// Account is the provisioning record of one trading account.
type Account struct {
	ID               string   `json:"_id"`
	Name             string   `json:"name"`
	Login            string   `json:"login"`
	Server           string   `json:"server"`
	Type             string   `json:"type"`
	State            string   `json:"state"`
	ConnectionStatus string   `json:"connectionStatus"`
	Region           string   `json:"region"`
	Reliability      string   `json:"reliability"`
	Application      string   `json:"application"`
	Magic            int      `json:"magic"`
	Tags             []string `json:"tags"`
	CreatedAt        string   `json:"createdAt"`
}

// GetAccountsOptions filters an account listing.
type GetAccountsOptions struct {
	Limit  int
	Offset int
	State  string
	Region string
	Query  string
}

// AccountClient provides access to the provisioning REST API for account
// metadata and lifecycle operations.
type AccountClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// AccountClientOption configures an AccountClient.
type AccountClientOption func(*AccountClient)

// NewAccountClient creates a provisioning API client. domain is the service
// domain, e.g. agiliumtrade.agiliumtrade.ai.
func NewAccountClient(domain, token string, opts ...AccountClientOption) *AccountClient {
	c := &AccountClient{
		baseURL: fmt.Sprintf("https://mt-provisioning-api-v1.%s", domain),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithAccountTimeout sets the HTTP client timeout.
func WithAccountTimeout(d time.Duration) AccountClientOption {
	return func(c *AccountClient) {
		c.httpClient.Timeout = d
	}
}

// WithAccountRetries sets the retry configuration.
func WithAccountRetries(max int, backoff time.Duration) AccountClientOption {
	return func(c *AccountClient) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithAccountLogger sets the logger.
func WithAccountLogger(logger *slog.Logger) AccountClientOption {
	return func(c *AccountClient) {
		c.logger = logger
	}
}

// WithAccountHTTPClient sets a custom HTTP client.
func WithAccountHTTPClient(hc *http.Client) AccountClientOption {
	return func(c *AccountClient) {
		c.httpClient = hc
	}
}

// WithAccountBaseURL overrides the provisioning API base URL.
func WithAccountBaseURL(baseURL string) AccountClientOption {
	return func(c *AccountClient) {
		c.baseURL = baseURL
	}
}

// GetAccount fetches a single account by id.
func (c *AccountClient) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.get(ctx, "/users/current/accounts/"+accountID, nil, &account); err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return &account, nil
}

// GetAccounts fetches a page of the user's accounts.
func (c *AccountClient) GetAccounts(ctx context.Context, opts GetAccountsOptions) ([]Account, error) {
	query := url.Values{}

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.State != "" {
		query.Set("state", opts.State)
	}
	if opts.Region != "" {
		query.Set("region", opts.Region)
	}
	if opts.Query != "" {
		query.Set("query", opts.Query)
	}

	var accounts []Account
	if err := c.get(ctx, "/users/current/accounts", query, &accounts); err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}

	return accounts, nil
}

// GetAllAccounts fetches all accounts matching the options by paginating
// through results.
func (c *AccountClient) GetAllAccounts(ctx context.Context, opts GetAccountsOptions) ([]Account, error) {
	var all []Account
	opts.Limit = 1000 // Max page size

	for {
		page, err := c.GetAccounts(ctx, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)

		if len(page) < opts.Limit {
			break
		}
		opts.Offset += len(page)
	}

	return all, nil
}

// DeployAccount schedules the account for deployment. The terminal starts in
// the background; poll GetAccount until the state is DEPLOYED.
func (c *AccountClient) DeployAccount(ctx context.Context, accountID string) error {
	return c.post(ctx, "/users/current/accounts/"+accountID+"/deploy")
}

// UndeployAccount schedules the account for undeployment.
func (c *AccountClient) UndeployAccount(ctx context.Context, accountID string) error {
	return c.post(ctx, "/users/current/accounts/"+accountID+"/undeploy")
}

// RedeployAccount restarts the account's terminal.
func (c *AccountClient) RedeployAccount(ctx context.Context, accountID string) error {
	return c.post(ctx, "/users/current/accounts/"+accountID+"/redeploy")
}

// WaitDeployed polls the account until it reaches the DEPLOYED state or the
// context expires.
func (c *AccountClient) WaitDeployed(ctx context.Context, accountID string, interval time.Duration) (*Account, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		account, err := c.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if account.State == StateDeployed {
			return account, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// doRequest performs an HTTP request with the given method and path.
func (c *AccountClient) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("auth-token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		kind := errs.Internal
		switch resp.StatusCode {
		case http.StatusNotFound:
			kind = errs.NotFound
		case http.StatusBadRequest:
			kind = errs.Validation
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = errs.Unauthorized
		case http.StatusTooManyRequests:
			kind = errs.TooManyRequests
		}
		return nil, errs.New(kind, fmt.Sprintf("provisioning api error %d: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	return body, nil
}

// doWithRetry performs a request with exponential backoff retry.
func (c *AccountClient) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, method, path, query)
		if err == nil {
			return body, nil
		}

		lastErr = err

		if !errs.Is(err, errs.Internal) && !errs.Is(err, errs.TooManyRequests) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a GET request with retries.
func (c *AccountClient) get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// post performs a POST request with retries, discarding the response body.
func (c *AccountClient) post(ctx context.Context, path string) error {
	_, err := c.doWithRetry(ctx, http.MethodPost, path, nil)
	return err
}
