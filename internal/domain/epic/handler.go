package epic

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plasmahealth/plasma-server/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the Epic integration under the given group. The
// callback is registered separately because Epic redirects the browser to
// it without a bearer token.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	api.POST("/epic/connect", h.Connect)
	api.GET("/epic/patients", h.SearchPatients)
	api.POST("/epic/patients/:id/sync", h.SyncPatient)
	api.GET("/epic/patients/:id", h.GetPatient)
	api.DELETE("/epic/connection", h.Disconnect)

	public.GET("/epic/callback", h.Callback)
}

func clientMeta(c echo.Context) ClientMeta {
	return ClientMeta{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

func (h *Handler) Connect(c echo.Context) error {
	principal, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	result, err := h.svc.Connect(c.Request().Context(), principal, clientMeta(c))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Callback(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code or state")
	}
	if _, err := h.svc.Callback(c.Request().Context(), code, state, clientMeta(c)); err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "connected"})
}

func (h *Handler) SearchPatients(c echo.Context) error {
	principal, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	results, err := h.svc.SearchPatients(c.Request().Context(), principal, c.QueryParam("q"), clientMeta(c))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patients": results,
		"total":    len(results),
	})
}

func (h *Handler) SyncPatient(c echo.Context) error {
	principal, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	snap, err := h.svc.SyncPatient(c.Request().Context(), principal, c.Param("id"), clientMeta(c))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetPatient(c echo.Context) error {
	principal, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	snap, err := h.svc.GetSnapshot(c.Request().Context(), principal, c.Param("id"), clientMeta(c))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Disconnect(c echo.Context) error {
	principal, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	if err := h.svc.Disconnect(c.Request().Context(), principal, clientMeta(c)); err != nil {
		return translate(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// translate maps domain errors onto HTTP responses that tell the client
// whether to reconnect, retry, or fix the request.
func translate(err error) error {
	var exchange *TokenExchangeError
	var refresh *RefreshFailedError
	var sync *SyncFailedError

	switch {
	case errors.Is(err, ErrStateMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, "authorization state is invalid or expired, restart the connection flow")
	case errors.Is(err, ErrNotConnected):
		return echo.NewHTTPError(http.StatusUnauthorized, "no Epic connection, connect first")
	case errors.Is(err, ErrNoRefreshToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "Epic session expired, reconnect required")
	case errors.Is(err, ErrSnapshotNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient has not been synced")
	case errors.As(err, &exchange):
		return echo.NewHTTPError(http.StatusBadGateway, "Epic rejected the authorization code")
	case errors.As(err, &refresh):
		return echo.NewHTTPError(http.StatusUnauthorized, "Epic token refresh failed, reconnect required")
	case errors.As(err, &sync):
		return echo.NewHTTPError(http.StatusBadGateway, "patient sync failed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
