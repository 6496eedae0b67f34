// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sensor-reader/internal/model"
	"sensor-reader/internal/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// FeedEvents are the event types forwarded to live feed clients
var FeedEvents = []model.EventType{
	model.EventSampleRecorded,
	model.EventPacketRejected,
	model.EventStateChange,
	model.EventSessionStarted,
	model.EventSessionFinished,
}

// EventSource is the pipeline event bus
type EventSource interface {
	Subscribe(eventTypes ...model.EventType) <-chan model.PipelineEvent
	Unsubscribe(subscriber <-chan model.PipelineEvent)
}

// LiveFeedHandler pushes pipeline events to WebSocket clients
type LiveFeedHandler struct {
	upgrader websocket.Upgrader
	clients  *ClientRegistry
	source   EventSource
	events   <-chan model.PipelineEvent
	done     chan struct{}
	logger   *utils.ServiceLogger
}

// NewLiveFeedHandler creates a live feed handler. Origins are checked
// against allowedOrigins; "*" allows any origin.
func NewLiveFeedHandler(source EventSource, allowedOrigins []string, logger *zap.Logger) *LiveFeedHandler {
	return &LiveFeedHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients: NewClientRegistry(),
		source:  source,
		done:    make(chan struct{}),
		logger:  utils.NewServiceLogger(logger, "live-feed"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *LiveFeedHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/samples", h.HandleConnection)
	router.GET("/stats", h.GetStats)
}

// Start subscribes to the event source and forwards events until Stop is
// called or the source closes the subscription
func (h *LiveFeedHandler) Start() {
	h.events = h.source.Subscribe(FeedEvents...)
	go func() {
		defer close(h.done)
		for event := range h.events {
			h.broadcast(event)
		}
		h.clients.CloseAll()
	}()
}

// Stop unsubscribes from the event source and disconnects every client
func (h *LiveFeedHandler) Stop() {
	if h.events == nil {
		return
	}
	h.source.Unsubscribe(h.events)
	<-h.done
}

// HandleConnection upgrades the request and registers a feed client.
// ?types=SAMPLE_RECORDED,STATE_CHANGE limits the initial subscription.
func (h *LiveFeedHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			client.Subscribe(model.EventType(strings.ToUpper(strings.TrimSpace(t))))
		}
	}

	h.clients.Register(client)
	h.logger.Info("Live feed client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "connected",
		Data:      gin.H{"client_id": client.ID},
		Timestamp: time.Now(),
	})

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// GetStats returns connected client statistics
func (h *LiveFeedHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Live feed statistics", h.clients.GetStats())
}

func (h *LiveFeedHandler) broadcast(event model.PipelineEvent) {
	payload, err := json.Marshal(&WebSocketMessage{
		Type:      string(event.Type),
		Data:      event,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	h.clients.Broadcast(event.Type, payload)
}

// handleClientRead handles reading messages from WebSocket client
func (h *LiveFeedHandler) handleClientRead(client *Client) {
	defer func() {
		h.clients.Unregister(client)
		client.Connection.Close()
		h.logger.Info("Live feed client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Warn("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *LiveFeedHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles subscribe, unsubscribe and ping requests.
// Data for subscriptions is a list of event type names.
func (h *LiveFeedHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		for _, t := range eventTypes(message.Data) {
			if message.Type == "subscribe" {
				client.Subscribe(t)
			} else {
				client.Unsubscribe(t)
			}
		}
		h.sendMessage(client, &WebSocketMessage{
			Type:      message.Type + "d",
			Data:      message.Data,
			Timestamp: time.Now(),
		})
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

func (h *LiveFeedHandler) sendMessage(client *Client, message *WebSocketMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	h.clients.SendTo(client, payload)
}

func eventTypes(data interface{}) []model.EventType {
	items, ok := data.([]interface{})
	if !ok {
		return nil
	}
	types := make([]model.EventType, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			types = append(types, model.EventType(strings.ToUpper(s)))
		}
	}
	return types
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
