package toolproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Environment variables that carry the bridge address and session token
// into a sandbox.
const (
	EnvBridgeURL   = "DRYDOCK_BRIDGE_URL"
	EnvBridgeToken = "DRYDOCK_BRIDGE_TOKEN"
)

// ShimDir is where per-tool wrapper scripts are installed in a sandbox.
const ShimDir = "/opt/drydock/bin"

// Client calls the bridge from inside a sandbox.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// ClientFromEnv builds a client from the sandbox environment.
func ClientFromEnv() (*Client, error) {
	base := os.Getenv(EnvBridgeURL)
	token := os.Getenv(EnvBridgeToken)
	if base == "" || token == "" {
		return nil, fmt.Errorf("%s and %s must be set", EnvBridgeURL, EnvBridgeToken)
	}
	return &Client{BaseURL: strings.TrimRight(base, "/"), Token: token}, nil
}

// RemoteError is a rejection returned by the bridge before the tool ran.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge rejected call (%d): %s", e.Status, e.Message)
}

// NotAvailable reports whether the tool was unknown or disabled.
func (e *RemoteError) NotAvailable() bool { return e.Status == http.StatusNotFound }

// Call runs a proxied tool and copies its output to stdout and stderr as it
// arrives. It returns the tool's exit code. Auth warnings are written to
// stderr after the output.
func (c *Client) Call(ctx context.Context, req Request, stdout, stderr io.Writer) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return -1, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/bridge/v1/exec", bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return -1, fmt.Errorf("calling bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var frame Frame
		json.NewDecoder(resp.Body).Decode(&frame)
		return -1, &RemoteError{Status: resp.StatusCode, Message: frame.Error}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var frame Frame
			if err := json.Unmarshal(line, &frame); err != nil {
				return -1, fmt.Errorf("decoding bridge frame: %w", err)
			}
			if frame.ExitCode != nil {
				if frame.Auth == AuthNeedsReauth || frame.Auth == AuthError {
					fmt.Fprintf(stderr, "drydock: %s auth status is %s", req.Tool, frame.Auth)
					if frame.Hint != "" {
						fmt.Fprintf(stderr, " (%s)", frame.Hint)
					}
					fmt.Fprintln(stderr)
				}
				if frame.Error != "" {
					return *frame.ExitCode, errors.New(frame.Error)
				}
				return *frame.ExitCode, nil
			}
			switch frame.Stream {
			case "stdout":
				io.WriteString(stdout, frame.Data)
			case "stderr":
				io.WriteString(stderr, frame.Data)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return -1, fmt.Errorf("bridge closed the stream before the exit frame")
			}
			return -1, fmt.Errorf("reading bridge stream: %w", readErr)
		}
	}
}

// Shim returns the wrapper script installed as ShimDir/<id>.
func Shim(id string) string {
	return "#!/bin/sh\nexec drydock tool-call " + shellQuote(id) + ` "$@"` + "\n"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
