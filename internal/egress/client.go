package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the egress admin API from the daemon.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Register installs or replaces the allow-list for a sandbox.
func (c *Client) Register(ctx context.Context, policy Policy) error {
	body, err := json.Marshal(putPolicyRequest{Token: policy.Token, Hosts: policy.Hosts})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, "/v1/policies/"+url.PathEscape(policy.ID), body)
}

// Unregister revokes a sandbox's credential.
func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/policies/"+url.PathEscape(id), nil)
}

// Healthy reports whether the admin API answers.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("egress admin %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("egress admin %s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// ProxyURL is the proxy address a sandbox puts in HTTP_PROXY/HTTPS_PROXY.
func ProxyURL(host string, port int, id, token string) string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(id, token),
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	return u.String()
}
