package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	redisrepo "wavelink-backend/internal/repository/redis"
	callservice "wavelink-backend/internal/service/call"
	"wavelink-backend/pkg/constants"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// StreamMessage frames everything pushed down a signal stream.
type StreamMessage struct {
	Type      string           `json:"type"` // history, signal
	Signals   []*domain.Signal `json:"signals,omitempty"`
	Signal    *domain.Signal   `json:"signal,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SignalHub serves live signal streams: one WebSocket per (call, recipient).
// A connection starts with the recipient's full addressed history, then
// receives appends pushed through Redis pub/sub. Reconnects replay history;
// dedup is the consuming engine's job.
type SignalHub struct {
	callService *callservice.Service
	notifier    *redisrepo.SignalNotifier
	metrics     *metrics.Metrics

	maxConnections int
	semaphore      chan struct{}
}

// NewSignalHub creates a new signal stream hub. notifier may be nil, in
// which case connections serve the snapshot only and clients fall back to
// HTTP polling for updates.
func NewSignalHub(callService *callservice.Service, notifier *redisrepo.SignalNotifier, m *metrics.Metrics) *SignalHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_SIGNAL_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &SignalHub{
		callService:    callService,
		notifier:       notifier,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

var signalUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, allowed := range allowedOrigins() {
			if origin == allowed || allowed == "*" {
				return true
			}
		}
		return false
	},
}

func allowedOrigins() []string {
	raw := os.Getenv("WS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

type signalClient struct {
	hub    *SignalHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	callID uuid.UUID
	cancel context.CancelFunc
}

// ServeWS handles GET /v1/calls/ws/signals?call_id=
func (h *SignalHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("signal stream rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	release := func() { <-h.semaphore }

	callID, err := uuid.Parse(c.Query("call_id"))
	if err != nil {
		release()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call_id"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		release()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		release()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	// Authorization and the snapshot come from the same read: the registry
	// only serves signals addressed to a participant.
	history, err := h.callService.SignalsFor(c.Request.Context(), userID, callID)
	if err != nil {
		release()
		c.JSON(http.StatusForbidden, gin.H{"error": "not a call participant"})
		return
	}

	conn, err := signalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("websocket upgrade failed",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &signalClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		callID: callID,
		cancel: cancel,
	}

	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(1)
	}

	snapshot, _ := json.Marshal(&StreamMessage{
		Type:      "history",
		Signals:   history,
		Timestamp: time.Now().UTC(),
	})
	client.send <- snapshot

	go client.subscribe(ctx)
	go client.writePump(release)
	go client.readPump()
}

// subscribe forwards Redis pub/sub appends into the client's send queue.
func (c *signalClient) subscribe(ctx context.Context) {
	if c.hub.notifier == nil {
		return
	}

	sub, err := c.hub.notifier.Subscribe(ctx, c.callID.String(), c.userID.String())
	if err != nil {
		logger.Warn("signal stream running snapshot-only",
			zap.String("call_id", c.callID.String()),
			zap.Error(err))
		return
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var signal domain.Signal
			if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
				logger.Warn("malformed signal notification",
					zap.String("call_id", c.callID.String()),
					zap.Error(err))
				continue
			}
			framed, _ := json.Marshal(&StreamMessage{
				Type:      "signal",
				Signal:    &signal,
				Timestamp: time.Now().UTC(),
			})
			select {
			case c.send <- framed:
				if c.hub.metrics != nil {
					c.hub.metrics.RecordWebSocketMessage("outbound")
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// readPump drains the connection. The stream is one-way; inbound frames keep
// the read deadline fresh and everything else is discarded.
func (c *signalClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("signal stream closed",
					zap.String("call_id", c.callID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

// writePump flushes queued frames and keeps the connection alive with pings.
func (c *signalClient) writePump(release func()) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
		release()
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketConnection(-1)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
