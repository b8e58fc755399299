// Package store is the client handle for the hosted data service: the REST
// query API used for initial fetches and the push channel that delivers
// change events. A Client is constructed explicitly and passed to consumers;
// there is no package-level singleton.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"storepulse/internal/config"
	"storepulse/internal/models"
	"storepulse/internal/query"
)

// Client talks to the hosted data service
type Client struct {
	baseURL    string
	key        string
	httpClient *http.Client
	conn       *nats.Conn
	logger     *logrus.Logger
}

// Connect builds the client and opens the change-event connection
func Connect(cfg config.StoreConfig, logger *logrus.Logger) (*Client, error) {
	if cfg.Key == config.PlaceholderKey {
		logger.Warn("No store key configured, using anonymous access")
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("Change channel disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("Change channel reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("Change channel connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect change channel: %w", err)
	}

	logger.Infof("Connected to change channel at %s", cfg.NATSURL)

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		key:        cfg.Key,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		conn:       conn,
		logger:     logger,
	}, nil
}

// Query performs one read against the query API and returns the rows
func (c *Client) Query(ctx context.Context, schema, table string, opts query.Options) ([]models.Record, error) {
	params, err := opts.Encode()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/tables/%s.%s", c.baseURL, schema, table)
	if len(params) > 0 {
		url += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("query %s.%s returned status %d: %s", schema, table, resp.StatusCode, excerpt(body))
	}

	var records []models.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}

	c.logger.Debugf("Queried %s.%s (%d rows)", schema, table, len(records))
	return records, nil
}

// Subscribe opens a push subscription on a change-event subject
func (c *Client) Subscribe(subject string, handler func(data []byte)) (Channel, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush performs a round trip to the broker, confirming pending subscriptions
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// IsConnected reports whether the change channel connection is up
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Conn exposes the underlying connection for script bindings
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Ping verifies the query API is reachable with the configured key
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set("apikey", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Close closes the change channel connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Channel is an open push subscription
type Channel interface {
	Unsubscribe() error
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
