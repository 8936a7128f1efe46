package engine

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abx/abx/internal/domain/patient"
	"github.com/abx/abx/pkg/clinerr"
)

type Handler struct {
	engine *Engine
}

func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/recommendations", h.Recommend)
}

// response is the transport envelope. Every response carries request_id,
// engine_version and provenance, success or not.
type response struct {
	Status         string          `json:"status"`
	RequestID      string          `json:"request_id"`
	EngineVersion  string          `json:"engine_version"`
	Provenance     interface{}     `json:"provenance"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Error          *clinerr.Error  `json:"error,omitempty"`
}

func (h *Handler) Recommend(c echo.Context) error {
	var pc patient.Case
	if err := c.Bind(&pc); err != nil {
		return c.JSON(http.StatusBadRequest, response{
			Status:        "error",
			EngineVersion: Version,
			Provenance:    h.engine.kbp.Current().Provenance(),
			Error:         clinerr.New(clinerr.CodeBadCase, "malformed request body: %v", err),
		})
	}

	rec, err := h.engine.Recommend(c.Request().Context(), &pc)
	if err != nil {
		ce, ok := clinerr.AsError(err)
		if !ok {
			ce = &clinerr.Error{Code: "INTERNAL", Message: "internal error"}
		}
		requestID, _ := ce.Details["request_id"].(string)
		return c.JSON(statusFor(ce.Code), response{
			Status:        "error",
			RequestID:     requestID,
			EngineVersion: Version,
			Provenance:    h.engine.kbp.Current().Provenance(),
			Error:         ce,
		})
	}

	if c.QueryParam("narrative") == "1" {
		rec.Narrative = Narrative(rec)
	}

	return c.JSON(http.StatusOK, response{
		Status:         "ok",
		RequestID:      rec.RequestID,
		EngineVersion:  rec.EngineVersion,
		Provenance:     rec.Provenance,
		Recommendation: rec,
	})
}

// statusFor maps the clinical error taxonomy onto HTTP statuses: structural
// problems are 400, clinical dead-ends are 422, everything else 500.
func statusFor(code string) int {
	switch code {
	case clinerr.CodeBadCase:
		return http.StatusBadRequest
	case clinerr.CodeUnclassifiedInfection,
		clinerr.CodeNoRegimen,
		clinerr.CodeNoDose,
		clinerr.CodeRenalBandMissing,
		clinerr.CodeUnknownDrug,
		clinerr.CodeUnknownInfection:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
