package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/eventsourcing-pg/internal/api/middleware"
	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/service"
)

// EventHandler appends events to the log. Each append notifies every
// listening processor.
type EventHandler struct {
	svc    *service.ProcessorService
	logger *zap.Logger
}

func NewEventHandler(svc *service.ProcessorService, logger *zap.Logger) *EventHandler {
	return &EventHandler{svc: svc, logger: logger}
}

// Append handles POST /api/v1/events
//
// @Summary     Append up to 1000 events in one transaction
// @Tags        events
// @Accept      json
// @Produce     json
// @Param       body  body      domain.AppendRequest  true  "Events to append"
// @Success     201   {object}  map[string]any
// @Failure     422   {object}  map[string]string
// @Router      /api/v1/events [post]
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req domain.AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	events, err := h.svc.AppendEvents(r.Context(), req)
	if err != nil {
		h.logger.Warn("append events failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Int("count", len(req.Events)),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"events": events})
}
