// Package download fetches episode audio from broadcaster sources into the
// local scratch directory.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is an http.Client that presents itself as a browser. Source APIs
// reject Go's default User-Agent.
type Client struct {
	client    *http.Client
	userAgent string
}

// NewClient creates a browser-like client. timeout bounds a whole request
// including reading the body; zero means no limit.
func NewClient(userAgent string, timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: userAgent,
	}
}

// Do executes req with browser headers applied.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	req.Header.Set("Accept-Language", "he-IL,he;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Connection", "keep-alive")
	return c.client.Do(req)
}

// Get issues a GET and fails on any non-2xx status. The caller closes the
// body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// CheckStatus returns an error for non-2xx responses, including a short
// excerpt of the body.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Redacted(), resp.StatusCode, excerpt)
}
