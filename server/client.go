package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/store"
)

// WebSocket timing, following the gorilla chat example.
const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may be silent before it is
	// considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	// maxMessageSize caps inbound frames; clients only send small
	// subscribe/unsubscribe control messages.
	maxMessageSize = 4096

	// sendBuffer is the per-client outbound queue. Overflow drops frames;
	// the log stream is not a durable protocol.
	sendBuffer = 64
)

// Server→client frame types.
const (
	frameSnapshot  = "snapshot"
	frameJobLog    = "job:log"
	frameJobStatus = "job:status"
	frameError     = "error"
	framePong      = "pong"
)

// frame is the single wire shape for all server→client events.
type frame struct {
	Type   string          `json:"type"`
	JobID  string          `json:"job_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Log    *joblog.Record  `json:"log,omitempty"`
	Logs   []joblog.Record `json:"logs,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// clientMessage is the client→server shape.
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Client is one authenticated socket connection.
type Client struct {
	hub   *Hub
	store *store.Store
	conn  *websocket.Conn
	user  *store.User
	log   *zap.SugaredLogger

	id        string
	send      chan frame
	closeOnce sync.Once
}

func newClient(hub *Hub, st *store.Store, conn *websocket.Conn, user *store.User, log *zap.SugaredLogger) *Client {
	return &Client{
		hub:   hub,
		store: st,
		conn:  conn,
		user:  user,
		log:   log,
		id:    uuid.NewString()[:8],
		send:  make(chan frame, sendBuffer),
	}
}

// enqueue queues a frame for delivery, dropping it if the client is slow.
func (c *Client) enqueue(f frame) {
	select {
	case c.send <- f:
	default:
		c.log.Debugw("Dropped frame for slow socket client",
			"client_id", c.id,
			"frame_type", f.Type,
		)
	}
}

// close shuts the send channel exactly once. The write pump notices and
// sends the websocket close frame.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump consumes inbound messages until the connection drops, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warnw("Socket read error",
					"client_id", c.id,
					logger.FieldError, err,
				)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(frame{Type: frameError, Error: "malformed message"})
			continue
		}
		c.routeMessage(&msg)
	}
}

func (c *Client) routeMessage(msg *clientMessage) {
	switch msg.Type {
	case "subscribe:job":
		c.handleSubscribe(msg.JobID)
	case "unsubscribe:job":
		c.hub.leave <- subscription{client: c, jobID: msg.JobID}
	case "ping":
		c.enqueue(frame{Type: framePong})
	default:
		c.enqueue(frame{Type: frameError, Error: "unknown message type: " + msg.Type})
	}
}

// handleSubscribe authorizes by owner match, joins the room, then sends the
// snapshot. Live events may race the snapshot; clients de-duplicate.
func (c *Client) handleSubscribe(jobID string) {
	if jobID == "" {
		c.enqueue(frame{Type: frameError, Error: "job_id required"})
		return
	}

	job, err := c.store.GetJob(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			c.enqueue(frame{Type: frameError, JobID: jobID, Error: "job not found"})
			return
		}
		c.log.Errorw("Snapshot read failed",
			logger.FieldJobID, jobID,
			logger.FieldError, err,
		)
		c.enqueue(frame{Type: frameError, JobID: jobID, Error: "internal error"})
		return
	}

	// Foreign jobs look absent rather than forbidden.
	if job.OwnerID != c.user.ID {
		c.enqueue(frame{Type: frameError, JobID: jobID, Error: "job not found"})
		return
	}

	c.hub.join <- subscription{client: c, jobID: jobID}
	c.enqueue(frame{
		Type:   frameSnapshot,
		JobID:  job.ID,
		Status: string(job.Status),
		Logs:   job.Logs,
		Result: job.Result,
	})
}

// writePump flushes queued frames and keeps the connection alive with
// pings. Exits when the send channel closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.log.Debugw("Socket write error",
					"client_id", c.id,
					logger.FieldError, err,
				)
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
