package toolproxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// Frame is one line of a streamed tool call response.
type Frame struct {
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
	// ExitCode is set only on the final frame.
	ExitCode *int       `json:"exit_code,omitempty"`
	Auth     AuthStatus `json:"auth,omitempty"`
	Hint     string     `json:"hint,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// RegisterRoutes mounts the bridge endpoint sandboxes call.
func (b *Bridge) RegisterRoutes(e *echo.Echo) {
	e.POST("/bridge/v1/exec", b.handleExec)
}

func (b *Bridge) handleExec(c echo.Context) error {
	token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return c.JSON(http.StatusUnauthorized, Frame{Error: ErrInvalidSession.Error()})
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, Frame{Error: "invalid request body"})
	}

	ctx := c.Request().Context()
	inv, err := b.Prepare(ctx, token, req)
	if err != nil {
		return c.JSON(prepareStatus(err), Frame{Error: err.Error()})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set("X-Content-Type-Options", "nosniff")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	var mu sync.Mutex
	encoder := json.NewEncoder(resp)
	stdout := &frameWriter{mu: &mu, encoder: encoder, stream: "stdout", flush: resp.Flush}
	stderr := &frameWriter{mu: &mu, encoder: encoder, stream: "stderr", flush: resp.Flush}

	code, runErr := inv.Run(ctx, stdout, stderr)

	mu.Lock()
	defer mu.Unlock()
	final := Frame{ExitCode: &code, Auth: inv.Auth().Status, Hint: inv.Auth().Hint}
	if runErr != nil {
		final.Error = runErr.Error()
	}
	if err := encoder.Encode(final); err != nil {
		b.logger.Warn("writing final tool frame", "tool", req.Tool, "error", err)
	}
	resp.Flush()
	return nil
}

func prepareStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSession):
		return http.StatusUnauthorized
	case errors.Is(err, ErrToolNotAvailable):
		return http.StatusNotFound
	case errors.Is(err, ErrArgsDenied):
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// frameWriter emits each write as a frame. stdout and stderr share the
// encoder, so writes are serialized.
type frameWriter struct {
	mu      *sync.Mutex
	encoder *json.Encoder
	stream  string
	flush   func()
}

func (w *frameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.encoder.Encode(Frame{Stream: w.stream, Data: string(p)}); err != nil {
		return 0, err
	}
	w.flush()
	return len(p), nil
}
