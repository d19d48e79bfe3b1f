package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkfold/docket/logger"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; clients only send small
	// control messages
	maxMessageSize = 512
)

// clientMessage is what subscribers may send: "ping" for liveness, "status"
// for an explicit re-request of the cached status.
type clientMessage struct {
	Type string `json:"type"`
}

// wsClient bridges one WebSocket connection to a job's notification actor.
type wsClient struct {
	conn  *websocket.Conn
	hub   *Hub
	jobID string
	sub   *Subscription
	send  chan Envelope

	mu       sync.Mutex
	sendDone bool

	log *zap.SugaredLogger
}

// ServeWS attaches the connection as a live subscriber for the job and
// blocks until the connection or the actor goes away. The caller has
// already upgraded the connection and checked ownership.
func ServeWS(hub *Hub, jobID string, conn *websocket.Conn, log *zap.SugaredLogger) {
	c := &wsClient{
		conn:  conn,
		hub:   hub,
		jobID: jobID,
		sub:   hub.Subscribe(jobID),
		send:  make(chan Envelope, subscriptionBuffer),
		log: logger.ChildLogger(log,
			logger.FieldJobID, jobID,
			logger.FieldRemoteAddr, conn.RemoteAddr().String()),
	}

	go c.forward()
	go c.writePump()
	c.readPump()
}

// forward copies actor events into the client's send channel. When the
// actor tears down (subscription channel closes), the send channel closes
// too, which makes writePump send a close frame and exit.
func (c *wsClient) forward() {
	for env := range c.sub.C {
		c.enqueue(env)
	}
	c.closeSend()
}

// enqueue delivers an envelope to the write pump without blocking.
func (c *wsClient) enqueue(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return
	}
	select {
	case c.send <- env:
	default:
		c.log.Debugw("Write queue full, dropping envelope", "type", env.Type)
	}
}

func (c *wsClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

// readPump handles incoming control messages until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warnw("WebSocket read error", logger.FieldError, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.log.Debugw("Ignoring malformed client message", logger.FieldError, err)
			continue
		}

		switch msg.Type {
		case "ping":
			// Liveness only, no state change
			c.enqueue(Envelope{Type: TypePong, Timestamp: time.Now().UTC()})
		case "status":
			// Explicit re-request of the cached status
			if status, errMsg, ok := c.hub.Snapshot(c.jobID); ok {
				c.enqueue(Envelope{
					Type:      TypeStatus,
					Status:    status,
					Error:     errMsg,
					Timestamp: time.Now().UTC(),
				})
			}
		default:
			c.log.Debugw("Ignoring unknown client message type", "type", msg.Type)
		}
	}
}

// writePump pushes envelopes and protocol pings to the peer. Exits when the
// send channel closes (actor teardown) or a write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Actor torn down: tell the peer we're done
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job notification window closed"))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debugw("WebSocket write failed", logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
