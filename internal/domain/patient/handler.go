package patient

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes patient creation over HTTP.
type Handler struct {
	gateway *Gateway
}

func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.gateway.CreatePatient(c.Request().Context(), req)
	if err != nil {
		if IsTokenUnavailable(err) {
			return echo.NewHTTPError(http.StatusBadGateway, "EDM is temporarily unavailable: "+err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// The upstream status and body are relayed verbatim, validation errors
	// included, so the caller sees the authoritative response.
	return c.JSON(result.Status, result)
}
