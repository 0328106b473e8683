package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/cache"
	"chat-dispatch/pkg/models"
)

type Dispatcher interface {
	Handle(ctx context.Context, msg models.InboundMessage) models.Reply
}

type Queue interface {
	RegisterOperator(ctx context.Context, operatorID string, capacity int) (models.OperatorSlot, error)
	RemoveOperator(ctx context.Context, operatorID string) error
	AssignedTo(operatorID string) ([]models.Ticket, error)
	Respond(ctx context.Context, ticketID, operatorID, text string) (models.Ticket, error)
	Close(ctx context.Context, ticketID string) (models.Ticket, error)
	Stats() models.QueueStats
}

type CacheAdmin interface {
	InvalidateAll(ctx context.Context) error
	Warmup(ctx context.Context, entries []models.WarmupEntry) (int, error)
}

type Feed interface {
	ServeWS(w http.ResponseWriter, r *http.Request, operatorID string)
}

type Handler struct {
	podID      string
	dispatcher Dispatcher
	queue      Queue
	cache      CacheAdmin
	feed       Feed
	// ping checks the shared backend; nil when running without Redis
	ping     func(ctx context.Context) error
	isLeader func() bool
	logger   *logrus.Logger
}

func NewHandler(podID string, dispatcher Dispatcher, queue Queue, cacheAdmin CacheAdmin, feed Feed,
	ping func(ctx context.Context) error, isLeader func() bool, logger *logrus.Logger) *Handler {
	return &Handler{
		podID:      podID,
		dispatcher: dispatcher,
		queue:      queue,
		cache:      cacheAdmin,
		feed:       feed,
		ping:       ping,
		isLeader:   isLeader,
		logger:     logger,
	}
}

func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var request struct {
		SenderID  string    `json:"sender_id"`
		Text      string    `json:"text"`
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.SenderID == "" {
		http.Error(w, "Missing sender ID", http.StatusBadRequest)
		return
	}
	if request.Type == "" {
		request.Type = models.MessageTypeText
	}
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now()
	}

	reply := h.dispatcher.Handle(r.Context(), models.InboundMessage{
		SenderID:   request.SenderID,
		Text:       request.Text,
		Type:       request.Type,
		ReceivedAt: request.Timestamp,
	})

	// rejections are part of the reply contract, not HTTP failures
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) RegisterOperator(w http.ResponseWriter, r *http.Request) {
	operatorID := mux.Vars(r)["id"]

	var request struct {
		Capacity int `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	slot, err := h.queue.RegisterOperator(r.Context(), operatorID, request.Capacity)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"operator_id": operatorID})
		return
	}
	writeJSON(w, http.StatusOK, slot)

	h.logger.WithFields(logrus.Fields{
		"operator_id": operatorID,
		"capacity":    request.Capacity,
	}).Debug("Registered operator")
}

func (h *Handler) RemoveOperator(w http.ResponseWriter, r *http.Request) {
	operatorID := mux.Vars(r)["id"]

	if err := h.queue.RemoveOperator(r.Context(), operatorID); err != nil {
		h.writeError(w, err, logrus.Fields{"operator_id": operatorID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"operator_id": operatorID,
	})
}

func (h *Handler) OperatorTickets(w http.ResponseWriter, r *http.Request) {
	operatorID := mux.Vars(r)["id"]

	tickets, err := h.queue.AssignedTo(operatorID)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"operator_id": operatorID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operator_id": operatorID,
		"tickets":     tickets,
	})
}

func (h *Handler) OperatorFeed(w http.ResponseWriter, r *http.Request) {
	h.feed.ServeWS(w, r, mux.Vars(r)["id"])
}

func (h *Handler) RespondTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["id"]

	var request struct {
		OperatorID string `json:"operator_id"`
		Text       string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.OperatorID == "" || strings.TrimSpace(request.Text) == "" {
		http.Error(w, "operator_id and text are required", http.StatusBadRequest)
		return
	}

	ticket, err := h.queue.Respond(r.Context(), ticketID, request.OperatorID, request.Text)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"ticket_id": ticketID, "operator_id": request.OperatorID})
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) CloseTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["id"]

	ticket, err := h.queue.Close(r.Context(), ticketID)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"ticket_id": ticketID})
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.InvalidateAll(r.Context()); err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// WarmupCache preloads replies. Each item gives either a fingerprint or the
// raw FAQ query it should be computed from.
func (h *Handler) WarmupCache(w http.ResponseWriter, r *http.Request) {
	var request []struct {
		Fingerprint string `json:"fingerprint"`
		Query       string `json:"query"`
		Reply       string `json:"reply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entries := make([]models.WarmupEntry, 0, len(request))
	for _, item := range request {
		fp := item.Fingerprint
		if fp == "" && strings.TrimSpace(item.Query) != "" {
			fp = cache.Fingerprint(models.IntentFAQ, item.Query)
		}
		entries = append(entries, models.WarmupEntry{Fingerprint: fp, Reply: item.Reply})
	}

	loaded, err := h.cache.Warmup(r.Context(), entries)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"loaded": loaded})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"loaded":  loaded,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.WithError(err).Warn("Health check failed")
			http.Error(w, "Health check failed", http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"pod_id":    h.podID,
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"pod_id":    h.podID,
		"queue":     h.queue.Stats(),
		"timestamp": time.Now(),
	}
	if h.isLeader != nil {
		response["is_recovery_leader"] = h.isLeader()
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fields logrus.Fields) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	entry := h.logger.WithError(err).WithFields(fields)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   string(kind),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
