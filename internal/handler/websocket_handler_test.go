// internal/handler/websocket_handler_test.go
package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensor-reader/internal/events"
	"sensor-reader/internal/model"
)

func startFeed(t *testing.T, origins []string) (*events.Bus, *LiveFeedHandler, string) {
	t.Helper()

	bus := events.NewBus(zap.NewNop())
	go bus.Start()

	feed := NewLiveFeedHandler(bus, origins, zap.NewNop())
	feed.Start()

	r := gin.New()
	feed.RegisterRoutes(r.Group("/ws"))
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		feed.Stop()
		srv.Close()
		bus.Stop()
	})
	return bus, feed, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForClients(t *testing.T, feed *LiveFeedHandler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return feed.clients.Count() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveFeed_ForwardsEvents(t *testing.T) {
	bus, feed, url := startFeed(t, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/samples", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "connected", readMessage(t, conn).Type)
	waitForClients(t, feed, 1)

	bus.Publish(model.PipelineEvent{
		Type:      model.EventSampleRecorded,
		SessionID: "sess-1",
		Data:      map[string]interface{}{"reading": 423},
		Timestamp: time.Now(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, string(model.EventSampleRecorded), msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "sess-1", data["session_id"])
	assert.EqualValues(t, 423, data["data"].(map[string]interface{})["reading"])
}

func TestLiveFeed_TypeFilterAndPing(t *testing.T) {
	bus, feed, url := startFeed(t, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/samples?types=state_change", nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	waitForClients(t, feed, 1)

	bus.Publish(model.PipelineEvent{Type: model.EventSampleRecorded, Timestamp: time.Now()})
	bus.Publish(model.PipelineEvent{
		Type:      model.EventStateChange,
		Data:      map[string]interface{}{"to": "STREAMING"},
		Timestamp: time.Now(),
	})
	assert.Equal(t, string(model.EventStateChange), readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", Data: []string{"sample_recorded"}}))
	assert.Equal(t, "subscribed", readMessage(t, conn).Type)

	bus.Publish(model.PipelineEvent{Type: model.EventSampleRecorded, Timestamp: time.Now()})
	assert.Equal(t, string(model.EventSampleRecorded), readMessage(t, conn).Type)
}

func TestLiveFeed_RejectsOrigin(t *testing.T) {
	_, _, url := startFeed(t, []string{"http://dashboard.local"})

	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/samples", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLiveFeed_StopClosesClients(t *testing.T) {
	_, feed, url := startFeed(t, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/samples", nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	waitForClients(t, feed, 1)

	feed.Stop()
	assert.Equal(t, 0, feed.clients.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived), "got %v", err)
}

func TestEventTypes(t *testing.T) {
	var data interface{}
	require.NoError(t, json.Unmarshal([]byte(`["sample_recorded", 3, "STATE_CHANGE"]`), &data))
	assert.Equal(t, []model.EventType{model.EventSampleRecorded, model.EventStateChange}, eventTypes(data))
	assert.Nil(t, eventTypes("nope"))
}
