package audit

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/abx/abx/internal/platform/auth"
)

// Handler serves the daily audit summary for review dashboards.
type Handler struct {
	logger *Logger
}

func NewHandler(logger *Logger) *Handler {
	return &Handler{logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	group := api.Group("", auth.RequireRole("admin", "pharmacist"))
	group.GET("/audit/summary", h.Summary)
}

func (h *Handler) Summary(c echo.Context) error {
	date := time.Now()
	if d := c.QueryParam("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		date = parsed
	}
	summary, err := h.logger.Summarize(date)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}
