package broadcast

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Client is one websocket subscriber. A client may join any number of job
// rooms over its lifetime.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	jobs map[string]bool
}

// subscriptionMessage is what clients send to join or leave a job room.
type subscriptionMessage struct {
	Action string `json:"action"`
	JobID  string `json:"job_id"`
}

// ServeWS upgrades the request and runs the client's pumps until the
// connection ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		jobs: make(map[string]bool),
	}
	h.register(client)
	h.logger.Debug("subscriber connected", zap.String("conn_id", client.id))

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("subscriber read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var msg subscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.JobID == "" {
			c.hub.logger.Debug("ignoring malformed subscription message", zap.String("conn_id", c.id))
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.hub.subscribe(c, msg.JobID)
			c.hub.ack(c, "subscribed", msg.JobID)
		case "unsubscribe":
			c.hub.unsubscribe(c, msg.JobID)
			c.hub.ack(c, "unsubscribed", msg.JobID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
