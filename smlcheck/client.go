package smlcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to the SML tenant management API. Requests are rate limited
// and carry the shared API key; the caller bounds each call with a context
// deadline.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("SML_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("SML_API_BASE_URL is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("SML_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("SML_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("SML_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := 60
	if v := strings.TrimSpace(os.Getenv("SML_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type entitlementListResponse struct {
	Data         []TenantEntitlement `json:"data"`
	Entitlements []TenantEntitlement `json:"entitlements"`
}

// ActiveEntitlements returns the tenant's current entitlements. Transport,
// auth and non-2xx responses surface as errors; the worker treats them as
// transient failures.
func (c *Client) ActiveEntitlements(ctx context.Context, tenantId string) ([]TenantEntitlement, error) {
	if strings.TrimSpace(tenantId) == "" {
		return nil, errors.New("tenant id is empty")
	}

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	endpoint := fmt.Sprintf("%s/v1/tenants/%s/entitlements?status=active", c.baseURL, tenantId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sml api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed entitlementListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) > 0 {
		return parsed.Data, nil
	}
	return parsed.Entitlements, nil
}
