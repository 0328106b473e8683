// Package operatorfeed streams handoff ticket events to connected operator
// consoles over websockets.
package operatorfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub routes events to the consoles of the operator they concern. Events
// about unassigned tickets go to every console. Hub implements
// handoff.Notifier.
type Hub struct {
	mu        sync.RWMutex
	operators map[string]map[*client]struct{}
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewHub(logger *logrus.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		operators: make(map[string]map[*client]struct{}),
		logger:    logger,
		metrics:   m,
	}
}

// ServeWS upgrades the request and attaches the connection to operatorID
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, operatorID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("operator_id", operatorID).Warn("Operator feed upgrade failed")
		return
	}

	c := &client{
		hub:        h,
		conn:       conn,
		operatorID: operatorID,
		send:       make(chan []byte, sendBuffer),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	conns := h.operators[c.operatorID]
	if conns == nil {
		conns = make(map[*client]struct{})
		h.operators[c.operatorID] = conns
	}
	conns[c] = struct{}{}
	h.updateGaugeLocked()
	h.mu.Unlock()

	h.logger.WithField("operator_id", c.operatorID).Info("Operator feed connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.operators[c.operatorID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.operators, c.operatorID)
	}
	h.updateGaugeLocked()
}

func (h *Hub) updateGaugeLocked() {
	if h.metrics != nil {
		h.metrics.ConnectedOperators.Set(float64(len(h.operators)))
	}
}

// Connected reports how many consoles are attached for operatorID
func (h *Hub) Connected(operatorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.operators[operatorID])
}

func (h *Hub) Notify(_ context.Context, ev models.TicketEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal operator feed event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if ev.OperatorID != "" {
		h.sendLocked(ev.OperatorID, h.operators[ev.OperatorID], data)
		return
	}
	for operatorID, conns := range h.operators {
		h.sendLocked(operatorID, conns, data)
	}
}

// Close disconnects every console
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for operatorID, conns := range h.operators {
		for c := range conns {
			close(c.send)
		}
		delete(h.operators, operatorID)
	}
	h.updateGaugeLocked()
}

func (h *Hub) sendLocked(operatorID string, conns map[*client]struct{}, data []byte) {
	for c := range conns {
		if !c.enqueue(data) {
			h.logger.WithField("operator_id", operatorID).Warn("Operator feed buffer full, dropping event")
		}
	}
}
