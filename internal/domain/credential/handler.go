package credential

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler exposes the credential lifecycle over HTTP: login, the sweep
// trigger, and the admin metadata/revoke endpoints.
type Handler struct {
	svc         *Service
	adminSecret string
}

func NewHandler(svc *Service, adminSecret string) *Handler {
	return &Handler{svc: svc, adminSecret: adminSecret}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	edm := api.Group("/edm")
	edm.POST("/login", h.Login)

	admin := edm.Group("", h.requireAdminSecret)
	admin.POST("/sweep", h.Sweep)
	admin.GET("/credentials", h.ListCredentials)
	admin.POST("/credentials/:id/revoke", h.RevokeCredential)
}

// requireAdminSecret guards the sweep trigger and credential admin routes.
// The secret is accepted as a bearer token or X-Admin-Secret header and
// compared in constant time.
func (h *Handler) requireAdminSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.adminSecret == "" {
			return echo.NewHTTPError(http.StatusForbidden, "admin endpoints are disabled: no admin secret configured")
		}

		presented := c.Request().Header.Get("X-Admin-Secret")
		if presented == "" {
			authz := c.Request().Header.Get(echo.HeaderAuthorization)
			presented = strings.TrimPrefix(authz, "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminSecret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin secret")
		}
		return next(c)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	result, err := h.svc.Login(c.Request().Context(), req.Username, req.Password)
	var gerr *GrantError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrProtocol):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.As(err, &gerr):
		// The EDM token endpoint itself is down or misbehaving.
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) Sweep(c echo.Context) error {
	results, err := h.svc.RefreshAllDue(c.Request().Context(), time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"swept":   len(results),
		"results": results,
	})
}

func (h *Handler) ListCredentials(c echo.Context) error {
	limit, offset := 50, 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	metas, total, err := h.svc.ListMetadata(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":       total,
		"credentials": metas,
	})
}

func (h *Handler) RevokeCredential(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Revoke(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "credential not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
