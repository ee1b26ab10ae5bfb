package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ericbjones/clean-invaders/hub"
)

const (
	liveWriteWait    = 10 * time.Second
	liveMaxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient adapts a websocket connection to hub.Client. gorilla allows one
// concurrent writer, so writes are serialized.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{id: uuid.NewString(), conn: conn}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// liveConnection relays every text frame a client sends to all other
// connected clients, locally and through the relay when one is configured.
func liveConnection(h *hub.Hub, relay hub.Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.WithError(err).Debug("websocket upgrade failed")
			return nil
		}
		conn.SetReadLimit(liveMaxFrameSize)

		client := newWSClient(conn)
		h.Register(client)
		defer func() {
			h.Unregister(client)
			_ = conn.Close()
		}()

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					logger.WithError(err).WithField("client", client.ID()).Debug("live connection closed")
				}
				return nil
			}
			if mt != websocket.TextMessage {
				continue
			}
			delivered := h.Broadcast(client, msg)
			logger.WithFields(log.Fields{"client": client.ID(), "delivered": delivered}).Debug("live message relayed")
			if relay != nil {
				publish(relay, client.ID(), msg, logger)
			}
		}
	}
}

func publish(relay hub.Publisher, senderID string, msg []byte, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), liveWriteWait)
	defer cancel()
	if err := relay.Publish(ctx, senderID, msg); err != nil {
		logger.WithError(err).WithField("client", senderID).Warn("relay publish failed")
	}
}
