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

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/cron"
	"github.com/zpdzap/drydock/internal/followup"
	"github.com/zpdzap/drydock/internal/notify"
)

// Client calls the command API. The dashboard and scripts use it; the
// engine itself never does.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]agent.Run, error) {
	path := "/v1/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []agent.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (agent.Snapshot, error) {
	var snap agent.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &snap); err != nil {
		return agent.Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) StartRun(ctx context.Context, req agent.Request) (string, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) StopRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *Client) Nudge(ctx context.Context, id, text string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/nudge", nudgeRequest{Text: text}, nil)
}

func (c *Client) FollowUp(ctx context.Context, parentID string, req followup.Request) (string, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(parentID)+"/followup", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]cron.Job, error) {
	var jobs []cron.Job
	if err := c.do(ctx, http.MethodGet, "/v1/cron/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RunJob fires a job now and returns the job run id.
func (c *Client) RunJob(ctx context.Context, id string) (string, error) {
	var resp runJobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cron/jobs/"+url.PathEscape(id)+"/run", nil, &resp); err != nil {
		return "", err
	}
	return resp.JobRunID, nil
}

// PullImage starts a pull; an empty ref pulls the selected image. It
// returns the ref being pulled.
func (c *Client) PullImage(ctx context.Context, ref string) (string, error) {
	var resp imageRequest
	if err := c.do(ctx, http.MethodPost, "/v1/images/pull", imageRequest{Ref: ref}, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// Subscribe opens the notification stream. With a runID only that run's
// messages arrive. The channel closes when ctx ends or the connection
// drops.
func (c *Client) Subscribe(ctx context.Context, runID string) (<-chan notify.Message, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + "/v1/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if runID != "" {
		u.RawQuery = url.Values{"run_id": {runID}}.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to event stream: %w", err)
	}

	out := make(chan notify.Message, subscriberBuffer)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg notify.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set(echo.HeaderContentType, "application/json")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return &StatusError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
