// Package api is the client for the analytics backend's REST API. The
// backend owns every aggregation; this client shapes requests and decodes
// responses. All non-2xx responses are treated identically: wrapped into an
// error carrying the status and a body excerpt, never retried here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"storepulse/internal/config"
	"storepulse/internal/daterange"
	"storepulse/internal/models"
)

// Client talks to the analytics backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a backend client from the API configuration
func NewClient(cfg config.APIConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Summary fetches the aggregate KPIs for a date range
func (c *Client) Summary(ctx context.Context, r daterange.Range) (*models.KPISummary, error) {
	var out models.KPISummary
	if err := c.get(ctx, "/api/metrics/summary", r.Query(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DailyMetrics fetches one page of per-day KPIs for a date range
func (c *Client) DailyMetrics(ctx context.Context, r daterange.Range, page, pageSize int) (*models.MetricsPage, error) {
	params := r.Query()
	addPagination(params, page, pageSize)

	var out models.MetricsPage
	if err := c.get(ctx, "/api/metrics/daily", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cohorts fetches the retention cohort matrix for a date range
func (c *Client) Cohorts(ctx context.Context, r daterange.Range) ([]models.CohortRow, error) {
	var out []models.CohortRow
	if err := c.get(ctx, "/api/metrics/cohorts", r.Query(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Accounts fetches one page of linked financial accounts
func (c *Client) Accounts(ctx context.Context, page, pageSize int) (*models.AccountsPage, error) {
	params := url.Values{}
	addPagination(params, page, pageSize)

	var out models.AccountsPage
	if err := c.get(ctx, "/api/finance/accounts", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transactions fetches one page of transactions for a date range
func (c *Client) Transactions(ctx context.Context, r daterange.Range, page, pageSize int) (*models.TransactionsPage, error) {
	params := r.Query()
	addPagination(params, page, pageSize)

	var out models.TransactionsPage
	if err := c.get(ctx, "/api/finance/transactions", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarginSummary fetches the server-computed margin breakdown
func (c *Client) MarginSummary(ctx context.Context, r daterange.Range) (*models.MarginSummary, error) {
	var out models.MarginSummary
	if err := c.get(ctx, "/api/finance/margin", r.Query(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateLinkToken asks the backend for a link token to hand to the vendor
// bank-link widget. The widget and credential storage are the backend's
// concern; this client only moves tokens.
func (c *Client) CreateLinkToken(ctx context.Context) (*models.LinkToken, error) {
	var out models.LinkToken
	if err := c.post(ctx, "/api/finance/link/token", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangePublicToken sends the widget's public token to the backend, which
// exchanges it for durable access credentials server-side
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) error {
	body := map[string]string{"public_token": publicToken}
	return c.post(ctx, "/api/finance/link/exchange", body, nil)
}

// SyncStatus fetches the backend data pipeline state
func (c *Client) SyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	var out models.SyncStatus
	if err := c.get(ctx, "/api/sync/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerSync asks the backend to run a sync now
func (c *Client) TriggerSync(ctx context.Context) (*models.SyncStatus, error) {
	var out models.SyncStatus
	if err := c.post(ctx, "/api/sync/trigger", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func addPagination(params url.Values, page, pageSize int) {
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		params.Set("pageSize", strconv.Itoa(pageSize))
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s returned status %d: %s", req.Method, req.URL.Path, resp.StatusCode, excerpt(data))
	}

	c.logger.Debugf("%s %s -> %d (%d bytes)", req.Method, req.URL.Path, resp.StatusCode, len(data))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
