package kb

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/abx/abx/internal/platform/auth"
)

// Handler exposes corpus introspection and hot reload. Reload swaps in a new
// immutable snapshot between requests; in-flight requests keep the old one.
type Handler struct {
	store *Store
	log   zerolog.Logger
}

func NewHandler(store *Store, log zerolog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "pharmacist"))
	readGroup.GET("/kb/info", h.Info)

	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/kb/reload", h.Reload)
}

func (h *Handler) Info(c echo.Context) error {
	k := h.store.Current()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"infections": k.InfectionIDs(),
		"drugs":      k.DrugIDs(),
		"provenance": k.Provenance(),
		"warnings":   k.Warnings(),
	})
}

func (h *Handler) Reload(c echo.Context) error {
	k, err := h.store.Reload()
	if err != nil {
		// The old snapshot stays active; a broken corpus never serves.
		h.log.Error().Err(err).Msg("kb reload failed, previous snapshot retained")
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	}
	h.log.Info().
		Int("infections", len(k.InfectionIDs())).
		Int("drugs", len(k.DrugIDs())).
		Msg("kb reloaded")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"provenance": k.Provenance(),
		"warnings":   k.Warnings(),
	})
}
