// Package delivery posts serialized envelopes to remote nodes.
package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client delivers envelopes over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a delivery client. If httpClient is nil a client with a
// 30 second timeout is used.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// UserURL returns the private receive endpoint of a remote user.
func UserURL(server, guid string) string {
	return strings.TrimSuffix(server, "/") + "/receive/users/" + url.PathEscape(guid)
}

// PublicURL returns the public receive endpoint of a remote node.
func PublicURL(server string) string {
	return strings.TrimSuffix(server, "/") + "/receive/public"
}

// Post form-encodes envelope as the "xml" field and posts it to target.
// Any non-2xx response is returned as an error; retrying is up to the
// caller.
func (c *Client) Post(ctx context.Context, target string, envelope []byte) error {
	form := url.Values{"xml": {string(envelope)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Info("delivered envelope",
		"url", target,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery to %s failed (status %d): %s", target, resp.StatusCode, string(respBody))
	}
	return nil
}
