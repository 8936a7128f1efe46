package errorreport

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/abx/abx/internal/platform/auth"
	"github.com/abx/abx/pkg/clinerr"
	"github.com/abx/abx/pkg/pagination"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Intake is open to any authenticated clinical role.
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "pharmacist"))
	readGroup.POST("/error-reports", h.Submit)
	readGroup.GET("/error-reports", h.List)

	// Status moves are reviewer actions.
	writeGroup := api.Group("", auth.RequireRole("admin", "pharmacist"))
	writeGroup.PATCH("/error-reports/:id/status", h.UpdateStatus)
}

func (h *Handler) Submit(c echo.Context) error {
	var r Report
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.store.Submit(&r); err != nil {
		if ce, ok := clinerr.AsError(err); ok {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": ce})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filters{
		Status:    c.QueryParam("status"),
		Severity:  c.QueryParam("severity"),
		ErrorType: c.QueryParam("error_type"),
		Limit:     pg.Limit,
	}
	if d := c.QueryParam("date"); d != "" {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Date = t
	}
	reports, err := h.store.List(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reports, len(reports), f.Limit, 0))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.store.UpdateStatus(c.Param("id"), body.Status)
	if err != nil {
		ce, ok := clinerr.AsError(err)
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		status := http.StatusBadRequest
		if ce.Code == clinerr.CodeReportNotFound {
			status = http.StatusNotFound
		}
		return c.JSON(status, map[string]interface{}{"error": ce})
	}
	return c.JSON(http.StatusOK, r)
}
