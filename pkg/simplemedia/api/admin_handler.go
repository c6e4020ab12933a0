package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	defaultProblemLimit = 50
	maxProblemLimit     = 1000
)

// AdminHandler serves operational endpoints
type AdminHandler struct {
	service MediaService
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler
func NewAdminHandler(service MediaService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{service: service, logger: logger.With(slog.String("component", "api.admin"))}
}

// ProblemsResponse lists detected inconsistencies
type ProblemsResponse struct {
	Problems []simplemedia.ProblemReport `json:"problems"`
	Count    int                         `json:"count"`
}

// Problems runs a problem scan. ?limit= caps the number of reports.
func (h *AdminHandler) Problems(w http.ResponseWriter, r *http.Request) {
	limit := defaultProblemLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxProblemLimit {
			badRequest(w, r, "limit", "must be between 1 and 1000")
			return
		}
		limit = n
	}

	reports, err := h.service.ScanProblems(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if reports == nil {
		reports = []simplemedia.ProblemReport{}
	}
	render.JSON(w, r, ProblemsResponse{Problems: reports, Count: len(reports)})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string `json:"status"`
	*simplemedia.HealthSnapshot
}

// Health reports queue pressure and record counts
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.HealthSnapshot(r.Context())
	if err != nil {
		h.logger.Error("health snapshot", slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, HealthResponse{Status: "unavailable"})
		return
	}
	render.JSON(w, r, HealthResponse{Status: "ok", HealthSnapshot: snap})
}
