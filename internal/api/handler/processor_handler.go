package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/eventsourcing-pg/internal/api/middleware"
	"github.com/notifyhub/eventsourcing-pg/internal/service"
)

// ProcessorHandler exposes tracked processor positions to operators.
type ProcessorHandler struct {
	svc    *service.ProcessorService
	logger *zap.Logger
}

func NewProcessorHandler(svc *service.ProcessorService, logger *zap.Logger) *ProcessorHandler {
	return &ProcessorHandler{svc: svc, logger: logger}
}

// List handles GET /api/v1/processors
//
// @Summary  List tracked processors with their positions and lag
// @Tags     processors
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/processors [get]
func (h *ProcessorHandler) List(w http.ResponseWriter, r *http.Request) {
	processors, err := h.svc.List(r.Context())
	if err != nil {
		h.logger.Error("list processors failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"processors": processors})
}

// Get handles GET /api/v1/processors/{name}
//
// @Summary  Get one processor's position
// @Tags     processors
// @Produce  json
// @Param    name  path      string  true  "Processor name"
// @Success  200   {object}  service.ProcessorStatus
// @Failure  404   {object}  map[string]string
// @Router   /api/v1/processors/{name} [get]
func (h *ProcessorHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Reset handles POST /api/v1/processors/{name}/reset
//
// @Summary  Rewind a processor to the start of the event log
// @Tags     processors
// @Produce  json
// @Param    name  path      string  true  "Processor name"
// @Success  200   {object}  service.ProcessorStatus
// @Failure  404   {object}  map[string]string
// @Router   /api/v1/processors/{name}/reset [post]
func (h *ProcessorHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Reset(r.Context(), name); err != nil {
		h.logger.Warn("reset processor failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.String("processor", name),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	p, err := h.svc.Get(r.Context(), name)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
