package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asin-matcher/internal/circuitbreaker"
	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/types"
)

// Catalog API paths
const (
	catalogItemsPath = "/catalog/2022-04-01/items"
	restrictionsPath = "/listings/2021-08-01/restrictions"

	accessTokenHeader = "x-amz-access-token"
	maxErrorBodyBytes = 4096
)

// RateLimitObserver receives the headers of every catalog response so live
// quota can replace the static defaults. *ratelimit.RateLimiter implements it.
type RateLimitObserver interface {
	UpdateRateLimits(operation string, headers http.Header) bool
}

// HTTPCatalogClientConfig configures the HTTP catalog client
type HTTPCatalogClientConfig struct {
	BaseURL       string
	AccessToken   string
	SellerID      string
	MarketplaceID string
	// RequestTimeout bounds each call, including reading the body.
	RequestTimeout time.Duration
	// Breakers guards each operation. Nil disables circuit breaking.
	Breakers   *circuitbreaker.Manager
	Observer   RateLimitObserver
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// HTTPCatalogClient calls the remote catalog REST API
type HTTPCatalogClient struct {
	baseURL       string
	accessToken   string
	sellerID      string
	marketplaceID string
	timeout       time.Duration
	breakers      *circuitbreaker.Manager
	observer      RateLimitObserver
	client        *http.Client
	logger        *logging.Logger
}

// NewHTTPCatalogClient creates a catalog client
func NewHTTPCatalogClient(cfg HTTPCatalogClientConfig) (*HTTPCatalogClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if cfg.MarketplaceID == "" {
		return nil, fmt.Errorf("marketplace ID is required")
	}

	c := &HTTPCatalogClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		accessToken:   cfg.AccessToken,
		sellerID:      cfg.SellerID,
		marketplaceID: cfg.MarketplaceID,
		timeout:       cfg.RequestTimeout,
		breakers:      cfg.Breakers,
		observer:      cfg.Observer,
		client:        cfg.HTTPClient,
		logger:        cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	c.logger = c.logger.Component("catalog-client")

	return c, nil
}

// IsBreakerFailure decides which errors count against a circuit: server errors,
// throttling, timeouts and transport failures. Client errors such as 404 and
// caller cancellation do not.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if rce, ok := apperrors.AsRemoteCallError(err); ok {
		return rce.StatusCode >= 500 || rce.IsRateLimited()
	}
	return true
}

type catalogSearchResponse struct {
	Items []struct {
		ASIN      string `json:"asin"`
		Summaries []struct {
			MarketplaceID string  `json:"marketplaceId"`
			ItemName      *string `json:"itemName"`
			BrandName     *string `json:"brand"`
		} `json:"summaries"`
	} `json:"items"`
}

// SearchByCode searches the catalog by UPC or MPN
func (c *HTTPCatalogClient) SearchByCode(ctx context.Context, code string, kind types.CodeKind) ([]CatalogItem, error) {
	query := url.Values{}
	query.Set("identifiers", code)
	query.Set("identifiersType", string(kind))
	query.Set("marketplaceIds", c.marketplaceID)
	query.Set("includedData", "summaries")

	var resp catalogSearchResponse
	if err := c.get(ctx, ratelimit.OperationSearchCatalogItems, catalogItemsPath, query, &resp); err != nil {
		return nil, err
	}

	items := make([]CatalogItem, 0, len(resp.Items))
	seen := make(map[string]bool, len(resp.Items))
	for _, raw := range resp.Items {
		if raw.ASIN == "" || seen[raw.ASIN] {
			continue
		}
		seen[raw.ASIN] = true

		item := CatalogItem{ASIN: raw.ASIN}
		for _, s := range raw.Summaries {
			if s.MarketplaceID != "" && s.MarketplaceID != c.marketplaceID {
				continue
			}
			item.Title = nonEmpty(s.ItemName)
			item.Brand = nonEmpty(s.BrandName)
			break
		}
		items = append(items, item)
	}

	return items, nil
}

type restrictionsResponse struct {
	Restrictions []struct {
		MarketplaceID string `json:"marketplaceId"`
		Reasons       []struct {
			ReasonCode string `json:"reasonCode"`
			Message    string `json:"message"`
		} `json:"reasons"`
	} `json:"restrictions"`
}

// GetRestrictions looks up listing restrictions for a new-condition listing of asin
func (c *HTTPCatalogClient) GetRestrictions(ctx context.Context, asin string) (*RestrictionResult, error) {
	query := url.Values{}
	query.Set("asin", asin)
	query.Set("sellerId", c.sellerID)
	query.Set("marketplaceIds", c.marketplaceID)
	query.Set("conditionType", "new_new")

	var resp restrictionsResponse
	if err := c.get(ctx, ratelimit.OperationGetListingsRestrictions, restrictionsPath, query, &resp); err != nil {
		return nil, err
	}

	result := &RestrictionResult{Restrictions: []Restriction{}}
	for _, r := range resp.Restrictions {
		if r.MarketplaceID != "" && r.MarketplaceID != c.marketplaceID {
			continue
		}
		for _, reason := range r.Reasons {
			result.Restrictions = append(result.Restrictions, Restriction{
				ReasonCode: reason.ReasonCode,
				Message:    reason.Message,
			})
		}
	}

	return result, nil
}

func (c *HTTPCatalogClient) get(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	call := func(ctx context.Context) error {
		return c.doGet(ctx, operation, path, query, out)
	}
	if c.breakers == nil {
		return call(ctx)
	}
	return c.breakers.Get(operation).Execute(ctx, call)
}

func (c *HTTPCatalogClient) doGet(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set(accessTokenHeader, c.accessToken)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	if c.observer != nil {
		c.observer.UpdateRateLimits(operation, resp.Header)
	}

	c.logger.WithFields(map[string]interface{}{
		"operation":   operation,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Catalog request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &apperrors.RemoteCallError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header.Clone(),
			Body:       string(body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", operation, err)
	}
	return nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
