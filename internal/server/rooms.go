package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

const (
	// time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// send pings to peer with this period; must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// maximum incoming event size; content bigger than this travels as a file
	maxEventSize = 64 << 10
	// outgoing events queued per connection before the peer counts as stuck
	sendQueueSize = 256
)

// wsConn is one live event-channel connection. The id is minted per
// connection and never reused: after a reconnect the same peer (same client
// token) holds a different channel id.
// Writes go through the send queue only; readPump and writePump are the sole
// goroutines touching the underlying websocket.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	server *CipherDropServer

	send chan []byte

	quit     chan struct{}
	quitOnce sync.Once
}

// marshalEvent packs a payload into the event envelope; a marshal failure
// yields nil, which enqueue ignores.
func marshalEvent(event string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		logServer.Error("can't marshal event payload", "event", event, err)
		return nil
	}
	payload, err := json.Marshal(common.Event{Event: event, Data: raw})
	if err != nil {
		logServer.Error("can't marshal event envelope", "event", event, err)
		return nil
	}
	return payload
}

// enqueue hands a payload to the write pump without ever blocking the caller
// (session mutexes are held on broadcast paths). A consumer that can't drain
// sendQueueSize events is dropped; it will reconnect with its client token.
func (c *wsConn) enqueue(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.quit:
	default:
		logServer.Error("send queue overflow, dropping connection", "channelID", c.id)
		c.shut()
	}
}

func (c *wsConn) sendError(message string) {
	c.enqueue(marshalEvent(common.EventError, common.ErrorData{Message: message}))
}

// shut asks both pumps to wind down. Safe to call many times from anywhere.
func (c *wsConn) shut() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *wsConn) write(messageType int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

// readPump reads events until the connection dies, then reports the
// disconnect so the peer slot frees up and the grace timer can start.
func (c *wsConn) readPump() {
	defer func() {
		c.shut()
		_ = c.ws.Close()
		c.server.Sessions.HandleDisconnect(c.id)
	}()

	c.ws.SetReadLimit(maxEventSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logServer.Info(1, "event channel closed", "channelID", c.id, err)
			}
			return
		}
		c.dispatchEvent(raw)
	}
}

// writePump owns all writes to the websocket, including keepalive pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-c.quit:
			_ = c.write(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *wsConn) dispatchEvent(raw []byte) {
	var evt common.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		c.sendError("MalformedEvent")
		return
	}

	switch evt.Event {
	case common.EventJoinRoom:
		var data common.JoinRoomData
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.Code == "" {
			c.sendError("MalformedEvent")
			return
		}
		c.server.onJoinRoom(c, data)

	case common.EventSendMessage:
		var data common.SendMessageData
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.MatchCode == "" || data.ClientToken == "" {
			c.sendError("MalformedEvent")
			return
		}
		c.server.onSendMessage(c, data)

	default:
		c.sendError("UnknownEvent")
	}
}

func (s *CipherDropServer) onJoinRoom(c *wsConn, data common.JoinRoomData) {
	result, err := s.Sessions.JoinSession(data.Code, data.ClientToken, c)
	if err != nil {
		atomic.AddInt64(&s.Stats.joinsRejected, 1)
		c.sendError(eventErrorName(err))
		return
	}

	atomic.AddInt64(&s.Stats.joinsAccepted, 1)
	if result.Reconnected {
		logServer.Info(0, "client rejoined", "code", data.Code, "channelID", c.id, "; history", result.HistoryLen)
	} else {
		logServer.Info(0, "client joined", "code", data.Code, "channelID", c.id, "; connected", result.ConnectedCount)
	}
}

func (s *CipherDropServer) onSendMessage(c *wsConn, data common.SendMessageData) {
	full, err := s.Sessions.AppendMessage(data.MatchCode, data.ClientToken, data.Message)
	if err != nil {
		c.sendError(eventErrorName(err))
		return
	}

	atomic.AddInt64(&s.Stats.messagesRelayed, 1)
	logServer.Info(1, "message relayed", "code", data.MatchCode, "type", full.Type, "timestamp", full.Timestamp)
}

// eventErrorName maps an admission or relay error to the short name clients
// switch on in the error event.
func eventErrorName(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return "InvalidCode"
	case errors.Is(err, ErrSessionFull):
		return "SessionFull"
	case errors.Is(err, ErrNotMember):
		return "NotAMember"
	case errors.Is(err, ErrNotConnected):
		return "NotConnected"
	case errors.Is(err, ErrInvalidMessage):
		return "InvalidMessage"
	default:
		return "InternalError"
	}
}

// ServeEventChannel upgrades GET /ws to a websocket and runs the pumps.
// The handler returns when the connection dies; chi needs nothing more.
func (s *CipherDropServer) ServeEventChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logServer.Error("websocket upgrade failed", err)
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		server: s,
		send:   make(chan []byte, sendQueueSize),
		quit:   make(chan struct{}),
	}
	logServer.Info(1, "event channel opened", "channelID", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}
