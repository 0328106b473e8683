package operatorfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/pkg/metrics"
	"chat-dispatch/pkg/models"
)

func newTestHub(t *testing.T) (*Hub, *metrics.Metrics, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	hub := NewHub(logger, m)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("operator"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, m, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, operatorID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?operator=" + operatorID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Connected(operatorID) > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func gaugeValue(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, m.ConnectedOperators.Write(&metric))
	return metric.GetGauge().GetValue()
}

func readEvent(t *testing.T, conn *websocket.Conn) models.TicketEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev models.TicketEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_RoutesByOperator(t *testing.T) {
	hub, _, srv := newTestHub(t)
	connA := dial(t, hub, srv, "op-a")
	connB := dial(t, hub, srv, "op-b")
	ctx := context.Background()

	hub.Notify(ctx, models.TicketEvent{Type: models.EventAssigned, TicketID: "t-b", OperatorID: "op-b"})
	hub.Notify(ctx, models.TicketEvent{Type: models.EventAssigned, TicketID: "t-a", OperatorID: "op-a"})

	assert.Equal(t, "t-a", readEvent(t, connA).TicketID, "op-a never sees op-b's ticket")
	assert.Equal(t, "t-b", readEvent(t, connB).TicketID)
}

func TestHub_BroadcastsUnassigned(t *testing.T) {
	hub, _, srv := newTestHub(t)
	connA := dial(t, hub, srv, "op-a")
	connB := dial(t, hub, srv, "op-b")

	hub.Notify(context.Background(), models.TicketEvent{Type: models.EventEnqueued, TicketID: "t-1", SenderID: "u1"})

	for _, conn := range []*websocket.Conn{connA, connB} {
		ev := readEvent(t, conn)
		assert.Equal(t, models.EventEnqueued, ev.Type)
		assert.Equal(t, "t-1", ev.TicketID)
	}
}

func TestHub_DisconnectUpdatesGauge(t *testing.T) {
	hub, m, srv := newTestHub(t)
	conn := dial(t, hub, srv, "op-a")
	dial(t, hub, srv, "op-b")

	assert.Equal(t, float64(2), gaugeValue(t, m))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return hub.Connected("op-a") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), gaugeValue(t, m))

	// events for a disconnected operator are dropped silently
	hub.Notify(context.Background(), models.TicketEvent{Type: models.EventAssigned, OperatorID: "op-a"})
}
