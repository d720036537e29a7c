package toolproxy

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridgeServer(t *testing.T, bridge *Bridge) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.HideBanner = true
	bridge.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStreamsThroughServer(t *testing.T) {
	bridge, _, _, token := newTestBridge(t, shellTool("sh"))
	srv := newBridgeServer(t, bridge)

	client := &Client{BaseURL: srv.URL, Token: token}
	var stdout, stderr bytes.Buffer
	code, err := client.Call(context.Background(), Request{
		Tool: "sh",
		Args: []string{"-c", "printf 'line1\\n'; printf 'oops\\n' >&2; printf 'line2\\n'; exit 7"},
	}, &stdout, &stderr)

	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, "line1\nline2\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestServerRejections(t *testing.T) {
	tool := shellTool("gh")
	tool.DenyArgs = []string{"secret*"}
	bridge, registry, _, token := newTestBridge(t, tool)
	srv := newBridgeServer(t, bridge)

	call := func(token string, req Request) error {
		_, err := (&Client{BaseURL: srv.URL, Token: token}).Call(context.Background(), req, &bytes.Buffer{}, &bytes.Buffer{})
		return err
	}

	var remote *RemoteError

	err := call("bogus", Request{Tool: "gh"})
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, 401, remote.Status)

	err = call(token, Request{Tool: "gh", Args: []string{"secret", "list"}})
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, 403, remote.Status)

	registry.SetEnabled("gh", false)
	err = call(token, Request{Tool: "gh", Args: []string{"-c", "true"}})
	require.True(t, errors.As(err, &remote))
	assert.True(t, remote.NotAvailable())
}

func TestClientPrintsAuthWarning(t *testing.T) {
	tool := shellTool("gh")
	tool.AuthCheck = []string{"/bin/sh", "-c", "exit 1"}
	tool.ReauthHint = "gh auth login"
	bridge, _, _, token := newTestBridge(t, tool)
	bridge.Auth().Refresh(context.Background(), tool)
	srv := newBridgeServer(t, bridge)

	var stderr bytes.Buffer
	code, err := (&Client{BaseURL: srv.URL, Token: token}).Call(context.Background(),
		Request{Tool: "gh", Args: []string{"-c", "exit 0"}}, &bytes.Buffer{}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr.String(), "needs-reauth")
	assert.Contains(t, stderr.String(), "gh auth login")
}

func TestShim(t *testing.T) {
	assert.Equal(t, "#!/bin/sh\nexec drydock tool-call 'gh' \"$@\"\n", Shim("gh"))
}
