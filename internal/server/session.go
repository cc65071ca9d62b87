package server

import (
	"sync"
	"time"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

// a session holds at most two participant slots, ever
const maxSessionClients = 2

// Session is a transient room for two peers, keyed by a pairing code.
// A lifetime of one Session is the following:
// 1) one peer requests a code, the session is created empty
// 2) both peers join over the event channel; each gets a client token
// 3) messages are relayed and kept in history, files land in the session tree
// 4) peers come and go; a returning peer presents its token and takes its old slot
// 5) once nobody is connected, a grace timer deletes the session and its tree
// The grace is short for sessions that never carried a message or a file and
// long for ones that did, so a brief reconnect gap doesn't lose anything.
type Session struct {
	code      string
	createdAt time.Time

	mu           sync.Mutex
	clients      map[string]*sessionClient // client token -> slot
	history      []common.FullMessage
	lastActivity time.Time
	hasActivity  bool // flipped by the first message or stored file, never back
	storageUsed  int64
	lastStamp    int64       // last issued message timestamp (unix ms)
	cleanupTimer *time.Timer // armed only while zero clients are connected
}

// sessionClient is one participant slot. The slot outlives the connection:
// on a disconnect it stays in the map with connected=false, waiting for the
// owner of the token to come back.
type sessionClient struct {
	token     string
	channelID string
	connected bool
	conn      *wsConn
}

func (session *Session) connectedCountLocked() int {
	connected := 0
	for _, slot := range session.clients {
		if slot.connected {
			connected++
		}
	}
	return connected
}

// broadcastLocked enqueues payload to every connected slot; it never blocks,
// see wsConn.enqueue.
func (session *Session) broadcastLocked(payload []byte) {
	for _, slot := range session.clients {
		if slot.connected && slot.conn != nil {
			slot.conn.enqueue(payload)
		}
	}
}

// stampLocked assigns a send timestamp. Clock reads can repeat within a
// millisecond, so the stamp is bumped to stay strictly increasing: together
// with the sender token it identifies a message for deduplication.
func (session *Session) stampLocked(msg common.Message, sender string) common.FullMessage {
	stamp := time.Now().UnixMilli()
	if stamp <= session.lastStamp {
		stamp = session.lastStamp + 1
	}
	session.lastStamp = stamp

	return common.FullMessage{
		Type:      msg.Type,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		Sender:    sender,
		Timestamp: stamp,
	}
}

// cancelCleanupLocked disarms a pending deletion. A timer that managed to
// fire concurrently re-checks the connected count before deleting, so a lost
// Stop() race is harmless.
func (session *Session) cancelCleanupLocked() {
	if session.cleanupTimer != nil {
		session.cleanupTimer.Stop()
		session.cleanupTimer = nil
	}
}
