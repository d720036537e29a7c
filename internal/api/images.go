package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/egress"
	"github.com/zpdzap/drydock/internal/sandbox"
)

var (
	errImageSelected   = errors.New("image is selected")
	errInvalidSettings = errors.New("invalid settings")
)

type imageView struct {
	Ref      string              `json:"ref"`
	Status   sandbox.ImageStatus `json:"status"`
	Selected bool                `json:"selected"`
}

type imageRequest struct {
	Ref string `json:"ref"`
}

// ListImages reports every managed image with its local status. The
// selected image is always listed.
func (h *Handler) ListImages(c echo.Context) error {
	ctx := c.Request().Context()
	refs, err := h.Catalog.ListImages(ctx)
	if err != nil {
		return h.fail(c, err)
	}
	selected := h.Settings.Sandbox().Image
	if selected != "" && !slices.Contains(refs, selected) {
		refs = append([]string{selected}, refs...)
	}

	views := make([]imageView, 0, len(refs))
	for _, ref := range refs {
		status, err := h.Images.Status(ctx, ref)
		if err != nil {
			return h.fail(c, err)
		}
		views = append(views, imageView{Ref: ref, Status: status, Selected: ref == selected})
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) AddImage(c echo.Context) error {
	ref, err := bindRef(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.Catalog.AddImage(c.Request().Context(), ref); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RemoveImage drops an image from the managed list. The selected image
// cannot be removed.
func (h *Handler) RemoveImage(c echo.Context) error {
	ref := strings.TrimSpace(c.QueryParam("ref"))
	if ref == "" {
		return badRequest(c, "ref is required")
	}
	if ref == h.Settings.Sandbox().Image {
		return h.fail(c, fmt.Errorf("%w: select another image before removing %s", errImageSelected, ref))
	}
	if err := h.Catalog.RemoveImage(c.Request().Context(), ref); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SelectImage makes ref the image new sandboxes start from. Runs already
// provisioned keep theirs.
func (h *Handler) SelectImage(c echo.Context) error {
	ref, err := bindRef(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.Catalog.AddImage(ctx, ref); err != nil {
		return h.fail(c, err)
	}
	if err := h.Settings.UpdateSandbox(func(sb *config.SandboxDefaults) { sb.Image = ref }); err != nil {
		return h.fail(c, fmt.Errorf("%w: %v", errInvalidSettings, err))
	}
	h.Logger.Info("image selected", "image", ref)
	return c.NoContent(http.StatusNoContent)
}

// PullImage starts a pull in the background; progress is pushed on the
// event channel. Without a ref the selected image is pulled.
func (h *Handler) PullImage(c echo.Context) error {
	var req imageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		ref = h.Settings.Sandbox().Image
	}
	if err := h.Images.StartPull(h.background, ref); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, imageRequest{Ref: ref})
}

func bindRef(c echo.Context) (string, error) {
	var req imageRequest
	if err := c.Bind(&req); err != nil {
		return "", errors.New("invalid request body")
	}
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		return "", errors.New("ref is required")
	}
	return ref, nil
}

type resourcesRequest struct {
	CPUs        *float64 `json:"cpus"`
	Memory      *string  `json:"memory"`
	Parallelism *int     `json:"parallelism"`
}

type sandboxRequest struct {
	SSHAgent         *bool    `json:"ssh_agent"`
	DockerSocket     *bool    `json:"docker_socket"`
	NetworkIsolation *bool    `json:"network_isolation"`
	Caches           *bool    `json:"caches"`
	AllowedHosts     []string `json:"allowed_hosts"`
}

func (h *Handler) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Settings.Settings())
}

// UpdateResources changes the limits applied to sandboxes provisioned from
// now on.
func (h *Handler) UpdateResources(c echo.Context) error {
	var req resourcesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	err := h.Settings.UpdateSandbox(func(sb *config.SandboxDefaults) {
		if req.CPUs != nil {
			sb.CPUs = *req.CPUs
		}
		if req.Memory != nil {
			sb.Memory = *req.Memory
		}
		if req.Parallelism != nil {
			sb.Parallelism = *req.Parallelism
		}
	})
	if err != nil {
		return h.fail(c, fmt.Errorf("%w: %v", sandbox.ErrInvalidLimits, err))
	}
	return c.JSON(http.StatusOK, h.Settings.Sandbox())
}

func (h *Handler) UpdateSandbox(c echo.Context) error {
	var req sandboxRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AllowedHosts != nil {
		if _, err := egress.CompileHosts(req.AllowedHosts); err != nil {
			return h.fail(c, fmt.Errorf("%w: %v", errInvalidSettings, err))
		}
	}
	err := h.Settings.UpdateSandbox(func(sb *config.SandboxDefaults) {
		if req.SSHAgent != nil {
			sb.SSHAgent = *req.SSHAgent
		}
		if req.DockerSocket != nil {
			sb.DockerSocket = *req.DockerSocket
		}
		if req.NetworkIsolation != nil {
			sb.NetworkIsolation = *req.NetworkIsolation
		}
		if req.Caches != nil {
			sb.Caches = *req.Caches
		}
		if req.AllowedHosts != nil {
			sb.AllowedHosts = req.AllowedHosts
		}
	})
	if err != nil {
		return h.fail(c, fmt.Errorf("%w: %v", errInvalidSettings, err))
	}
	return c.JSON(http.StatusOK, h.Settings.Sandbox())
}
