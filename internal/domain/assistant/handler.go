package assistant

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plasmahealth/plasma-server/internal/domain/epic"
	"github.com/plasmahealth/plasma-server/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/assistant/ask", h.Ask)
}

type askRequest struct {
	PatientID string `json:"patient_id"`
	Question  string `json:"question"`
}

func (h *Handler) Ask(c echo.Context) error {
	principal, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}

	var req askRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == "" || req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id and question are required")
	}

	meta := epic.ClientMeta{IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent()}
	answer, err := h.svc.Ask(c.Request().Context(), principal, req.PatientID, req.Question, meta)
	if err != nil {
		if errors.Is(err, epic.ErrSnapshotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient has not been synced")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, answer)
}
