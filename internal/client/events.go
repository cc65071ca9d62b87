package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

const joinReplyTimeout = 10 * time.Second

// EventChannel is the client side of the full-duplex event connection:
// joining a session, sending messages, receiving what the peer and the
// server push. One EventChannel == one websocket; after a drop, dial a new
// one and rejoin with the remembered client token to keep the same slot.
type EventChannel struct {
	ws *websocket.Conn

	// events read while waiting for the join reply, handed out by Receive
	pending []common.Event
}

// DialEventChannel opens the websocket to baseURL (http(s) scheme, the same
// address RelayConnection uses).
func DialEventChannel(baseURL string) (*EventChannel, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %v", baseURL, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("server url must be http(s), got %q", baseURL)
	}
	parsed.Path = "/ws"

	header := http.Header{}
	header.Set("User-Agent", "cipherdrop-cli/"+common.GetVersion())

	ws, _, err := websocket.DefaultDialer.Dial(parsed.String(), header)
	if err != nil {
		return nil, fmt.Errorf("can't connect to %s: %v", parsed.String(), err)
	}
	logClient.Info(1, "event channel opened", parsed.String())
	return &EventChannel{ws: ws}, nil
}

func (channel *EventChannel) sendEvent(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_ = channel.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return channel.ws.WriteJSON(common.Event{Event: event, Data: raw})
}

// JoinRoom enters the session and waits for the server's reply: the client
// token to keep for reconnects plus the message history so far. Unrelated
// events arriving first (the peer connecting, for instance) are queued for
// Receive, not lost.
func (channel *EventChannel) JoinRoom(code string, clientToken string) (*common.SessionJoinedData, error) {
	err := channel.sendEvent(common.EventJoinRoom, common.JoinRoomData{Code: code, ClientToken: clientToken})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(joinReplyTimeout)
	for {
		_ = channel.ws.SetReadDeadline(deadline)
		var evt common.Event
		if err := channel.ws.ReadJSON(&evt); err != nil {
			return nil, fmt.Errorf("no join reply: %v", err)
		}

		switch evt.Event {
		case common.EventSessionJoined:
			joined := &common.SessionJoinedData{}
			if err := json.Unmarshal(evt.Data, joined); err != nil {
				return nil, err
			}
			logClient.Info(1, "joined", "code", code, "history", len(joined.History))
			return joined, nil

		case common.EventError:
			var serverErr common.ErrorData
			_ = json.Unmarshal(evt.Data, &serverErr)
			return nil, fmt.Errorf("join rejected: %s", serverErr.Message)

		default:
			channel.pending = append(channel.pending, evt)
		}
	}
}

// Receive returns the next server event, earliest first. A non-positive
// timeout blocks until something arrives or the connection dies.
func (channel *EventChannel) Receive(timeout time.Duration) (*common.Event, error) {
	if len(channel.pending) > 0 {
		evt := channel.pending[0]
		channel.pending = channel.pending[1:]
		return &evt, nil
	}

	if timeout > 0 {
		_ = channel.ws.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = channel.ws.SetReadDeadline(time.Time{})
	}
	evt := &common.Event{}
	if err := channel.ws.ReadJSON(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func (channel *EventChannel) SendText(code string, clientToken string, text string) error {
	return channel.sendEvent(common.EventSendMessage, common.SendMessageData{
		MatchCode:   code,
		ClientToken: clientToken,
		Message:     common.Message{Type: common.MessageTypeText, Content: text},
	})
}

// SendFileMessage notifies the peer about an uploaded file by forwarding its
// descriptor as message metadata.
func (channel *EventChannel) SendFileMessage(code string, clientToken string, descriptor *common.FileDescriptor) error {
	metadata, err := json.Marshal(descriptor)
	if err != nil {
		return err
	}
	return channel.sendEvent(common.EventSendMessage, common.SendMessageData{
		MatchCode:   code,
		ClientToken: clientToken,
		Message:     common.Message{Type: common.MessageTypeFile, Metadata: metadata},
	})
}

func (channel *EventChannel) Close() {
	_ = channel.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = channel.ws.Close()
}
