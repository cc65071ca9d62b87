package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

// after this many random-code collisions in a row the mint request gives up
const codeAllocationAttempts = 10

// SessionsStorage contains all active sessions, keyed by pairing code.
// On a graceful shutdown sessions are not persisted: codes are short-lived
// secrets, and the boot sweep clears whatever their trees left on disk.
type SessionsStorage struct {
	table map[string]*Session
	mu    sync.RWMutex

	backend *StorageBackend

	maxActiveSessions int64 // -1 means unlimited
	maxSessionStorage int64 // bytes per session, -1 means unlimited
	unusedGrace       time.Duration
	activeGrace       time.Duration

	createdCount int64
	expiredCount int64
}

// JoinResult is what a successful join hands back to the transport layer.
type JoinResult struct {
	Token          string
	Reconnected    bool
	ConnectedCount int
	HistoryLen     int
}

func MakeSessionsStorage(backend *StorageBackend, maxActiveSessions int64, maxSessionStorage int64, unusedGrace time.Duration, activeGrace time.Duration) (*SessionsStorage, error) {
	return &SessionsStorage{
		table:             make(map[string]*Session, 128),
		backend:           backend,
		maxActiveSessions: maxActiveSessions,
		maxSessionStorage: maxSessionStorage,
		unusedGrace:       unusedGrace,
		activeGrace:       activeGrace,
	}, nil
}

func (allSessions *SessionsStorage) GetSession(code string) *Session {
	allSessions.mu.RLock()
	session := allSessions.table[code]
	allSessions.mu.RUnlock()
	return session
}

func (allSessions *SessionsStorage) IsLive(code string) bool {
	return allSessions.GetSession(code) != nil
}

func (allSessions *SessionsStorage) ActiveCount() int64 {
	allSessions.mu.RLock()
	count := int64(len(allSessions.table))
	allSessions.mu.RUnlock()
	return count
}

func (allSessions *SessionsStorage) CreatedCount() int64 {
	return atomic.LoadInt64(&allSessions.createdCount)
}

func (allSessions *SessionsStorage) ExpiredCount() int64 {
	return atomic.LoadInt64(&allSessions.expiredCount)
}

// LiveCodes snapshots the codes of all active sessions, for the orphan sweep.
func (allSessions *SessionsStorage) LiveCodes() map[string]bool {
	allSessions.mu.RLock()
	codes := make(map[string]bool, len(allSessions.table))
	for code := range allSessions.table {
		codes[code] = true
	}
	allSessions.mu.RUnlock()
	return codes
}

// CreateSession mints a fresh pairing code and registers an empty session
// behind it. The deletion timer is armed immediately: a code that nobody
// ever joins goes away after the unused grace.
func (allSessions *SessionsStorage) CreateSession() (string, error) {
	session := &Session{
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		clients:      make(map[string]*sessionClient, maxSessionClients),
	}

	allSessions.mu.Lock()
	// the cap shares a critical section with the registration; checked
	// outside it, concurrent mints could overshoot
	if allSessions.maxActiveSessions >= 0 && int64(len(allSessions.table)) >= allSessions.maxActiveSessions {
		allSessions.mu.Unlock()
		return "", ErrSessionCapacity
	}
	for attempt := 0; ; attempt++ {
		if attempt == codeAllocationAttempts {
			allSessions.mu.Unlock()
			return "", ErrCodeSpaceExhausted
		}
		code, err := genPairingCode()
		if err != nil {
			allSessions.mu.Unlock()
			return "", err
		}
		if _, occupied := allSessions.table[code]; !occupied {
			session.code = code
			allSessions.table[code] = session
			break
		}
	}
	allSessions.mu.Unlock()
	atomic.AddInt64(&allSessions.createdCount, 1)

	session.mu.Lock()
	allSessions.scheduleCleanupLocked(session)
	session.mu.Unlock()

	if err := allSessions.backend.CreateSessionTree(session.code); err != nil {
		logServer.Error("can't create session tree", "code", session.code, err)
	}

	logServer.Info(0, "session created", "code", session.code, "; nSessions", allSessions.ActiveCount())
	return session.code, nil
}

// JoinSession admits a connection into a session. When clientToken matches an
// existing slot, the slot is taken over (a reconnect); otherwise a new slot
// is created while fewer than two were ever handed out. Admission, the
// history snapshot and presence notifications happen in one critical section,
// so the snapshot always lands in the joiner's queue ahead of any message
// broadcast racing with the join.
func (allSessions *SessionsStorage) JoinSession(code string, clientToken string, conn *wsConn) (JoinResult, error) {
	session := allSessions.GetSession(code)
	if session == nil {
		return JoinResult{}, ErrInvalidCode
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	// the session could have been deleted while we waited for its mutex
	if allSessions.GetSession(code) != session {
		return JoinResult{}, ErrInvalidCode
	}

	var slot *sessionClient
	reconnected := false
	if clientToken != "" {
		if existing := session.clients[clientToken]; existing != nil {
			slot = existing
			reconnected = true
		}
	}
	if slot == nil {
		// disconnected peers keep their slots for rejoining, so the cap is
		// on slots ever handed out, not on live connections
		if len(session.clients) >= maxSessionClients {
			return JoinResult{}, ErrSessionFull
		}
		slot = &sessionClient{token: uuid.NewString()}
		session.clients[slot.token] = slot
	}

	slot.channelID = conn.id
	slot.connected = true
	slot.conn = conn

	session.lastActivity = time.Now()
	session.cancelCleanupLocked()

	history := make([]common.FullMessage, len(session.history))
	copy(history, session.history)
	conn.enqueue(marshalEvent(common.EventSessionJoined, common.SessionJoinedData{
		ClientToken: slot.token,
		History:     history,
	}))

	connected := session.connectedCountLocked()
	if connected == maxSessionClients {
		session.broadcastLocked(marshalEvent(common.EventUserConnected, struct{}{}))
	}

	return JoinResult{
		Token:          slot.token,
		Reconnected:    reconnected,
		ConnectedCount: connected,
		HistoryLen:     len(history),
	}, nil
}

// HandleDisconnect releases every slot bound to a closed event channel. One
// channel can hold more than one slot (a client may join twice, or join
// several sessions), so the scan never stops at the first match: a slot left
// marked connected would pin its session against every reaper.
// The lookup is by channel id, not token: a peer that already reopened the
// channel holds a fresh id, so its stale close can't knock it back out.
func (allSessions *SessionsStorage) HandleDisconnect(channelID string) {
	allSessions.mu.RLock()
	candidates := make([]*Session, 0, len(allSessions.table))
	for _, session := range allSessions.table {
		candidates = append(candidates, session)
	}
	allSessions.mu.RUnlock()

	for _, session := range candidates {
		session.mu.Lock()
		released := 0
		for _, slot := range session.clients {
			if slot.connected && slot.channelID == channelID {
				slot.connected = false
				slot.conn = nil
				released++
			}
		}
		if released == 0 {
			session.mu.Unlock()
			continue
		}

		session.lastActivity = time.Now()
		connected := session.connectedCountLocked()
		if connected > 0 {
			session.broadcastLocked(marshalEvent(common.EventUserDisconnected, struct{}{}))
		} else {
			allSessions.scheduleCleanupLocked(session)
		}
		code := session.code
		session.mu.Unlock()

		logServer.Info(0, "client disconnected", "code", code, "channelID", channelID, "; connected", connected)
	}
}

// AppendMessage validates, stamps, records and relays one message. The sender
// must own a slot in the session and be currently connected through it.
func (allSessions *SessionsStorage) AppendMessage(code string, clientToken string, msg common.Message) (common.FullMessage, error) {
	if msg.Type != common.MessageTypeText && msg.Type != common.MessageTypeFile {
		return common.FullMessage{}, ErrInvalidMessage
	}
	if msg.Type == common.MessageTypeText && msg.Content == "" {
		return common.FullMessage{}, ErrInvalidMessage
	}
	if msg.Type == common.MessageTypeFile && len(msg.Metadata) == 0 {
		return common.FullMessage{}, ErrInvalidMessage
	}

	session := allSessions.GetSession(code)
	if session == nil {
		return common.FullMessage{}, ErrInvalidCode
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	slot := session.clients[clientToken]
	if slot == nil {
		return common.FullMessage{}, ErrNotMember
	}
	if !slot.connected {
		return common.FullMessage{}, ErrNotConnected
	}

	full := session.stampLocked(msg, clientToken)
	session.history = append(session.history, full)
	session.lastActivity = time.Now()
	session.hasActivity = true
	session.cancelCleanupLocked()

	session.broadcastLocked(marshalEvent(common.EventReceiveMessage, full))
	return full, nil
}

// RemainingQuota returns how many more bytes the session may store, or -1
// when unbounded. A failed usage scan counts as unbounded: a flaky disk must
// not turn into a denial for every peer.
func (allSessions *SessionsStorage) RemainingQuota(code string) int64 {
	if allSessions.maxSessionStorage < 0 {
		return -1
	}
	current, _, err := allSessions.backend.SessionUsage(code)
	if err != nil {
		logServer.Error("can't scan session usage, allowing upload", "code", code, err)
		return -1
	}
	remaining := allSessions.maxSessionStorage - current
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// CheckQuota reports whether additionalBytes more would overflow the session
// budget. Same fail-open rule as RemainingQuota.
func (allSessions *SessionsStorage) CheckQuota(code string, additionalBytes int64) error {
	if allSessions.maxSessionStorage < 0 {
		return nil
	}
	current, _, err := allSessions.backend.SessionUsage(code)
	if err != nil {
		logServer.Error("can't scan session usage, allowing upload", "code", code, err)
		return nil
	}
	if current+additionalBytes > allSessions.maxSessionStorage {
		return &QuotaExceededError{Current: current, Limit: allSessions.maxSessionStorage}
	}
	return nil
}

// AccountStorage records freshly landed bytes. A stored file counts as
// activity: it moves the session into the long grace tier and disarms a
// pending deletion (the cron sweep re-arms it while nobody is connected).
func (allSessions *SessionsStorage) AccountStorage(code string, addedBytes int64) {
	session := allSessions.GetSession(code)
	if session == nil {
		return
	}
	session.mu.Lock()
	session.storageUsed += addedBytes
	session.lastActivity = time.Now()
	session.hasActivity = true
	session.cancelCleanupLocked()
	session.mu.Unlock()
}

// scheduleCleanupLocked arms the deletion timer; session.mu must be held.
// The timer captures only the code: when it fires, the session is looked up
// and re-checked from scratch, so a reconnect racing the timer always wins.
func (allSessions *SessionsStorage) scheduleCleanupLocked(session *Session) {
	grace := allSessions.unusedGrace
	if session.hasActivity {
		grace = allSessions.activeGrace
	}
	code := session.code
	session.cancelCleanupLocked()
	session.cleanupTimer = time.AfterFunc(grace, func() {
		allSessions.fireCleanup(code)
	})
}

func (allSessions *SessionsStorage) fireCleanup(code string) {
	session := allSessions.GetSession(code)
	if session == nil {
		return
	}
	session.mu.Lock()
	session.cleanupTimer = nil
	stillIdle := session.connectedCountLocked() == 0
	session.mu.Unlock()
	if stillIdle {
		allSessions.deleteSessionIfIdle(session)
	}
}

// deleteSessionIfIdle removes the session unless a client reconnected after
// the caller's check. The registry entry goes away under session.mu, and a
// joiner blocked on that mutex re-checks the registry, so it can't slip into
// a session that is no longer reachable by code.
// Lock order here is session.mu -> allSessions.mu; nothing in this package
// takes them the other way around.
func (allSessions *SessionsStorage) deleteSessionIfIdle(session *Session) bool {
	session.mu.Lock()
	if session.connectedCountLocked() != 0 {
		session.mu.Unlock()
		return false
	}
	session.cancelCleanupLocked()
	hadActivity := session.hasActivity
	allSessions.mu.Lock()
	delete(allSessions.table, session.code)
	allSessions.mu.Unlock()
	session.mu.Unlock()

	atomic.AddInt64(&allSessions.expiredCount, 1)
	if err := allSessions.backend.DeleteSessionTree(session.code); err != nil {
		logServer.Error("can't delete session tree", "code", session.code, err)
	}

	logServer.Info(0, "session expired", "code", session.code, "hadActivity", hadActivity, "; nSessions", allSessions.ActiveCount())
	return true
}

// DeleteExpiredSessions is called from cron. Timers handle the common case;
// the sweep catches sessions whose grace elapsed anyway (e.g. the process
// clock jumped) and re-arms sessions left idle with no timer, which happens
// when an upload completes after everybody disconnected.
func (allSessions *SessionsStorage) DeleteExpiredSessions() int64 {
	now := time.Now()
	allSessions.mu.RLock()
	candidates := make([]*Session, 0, len(allSessions.table))
	for _, session := range allSessions.table {
		candidates = append(candidates, session)
	}
	allSessions.mu.RUnlock()

	deleted := int64(0)
	for _, session := range candidates {
		session.mu.Lock()
		idle := session.connectedCountLocked() == 0
		armed := session.cleanupTimer != nil
		grace := allSessions.unusedGrace
		if session.hasActivity {
			grace = allSessions.activeGrace
		}
		expired := idle && now.Sub(session.lastActivity) > grace
		if idle && !armed && !expired {
			allSessions.scheduleCleanupLocked(session)
		}
		session.mu.Unlock()

		if expired && allSessions.deleteSessionIfIdle(session) {
			deleted++
		}
	}
	return deleted
}

// StopAllConnections shuts every live event channel; used on graceful stop.
// Sessions and their trees are left alone: the next boot sweeps the storage
// root anyway.
func (allSessions *SessionsStorage) StopAllConnections() {
	allSessions.mu.RLock()
	candidates := make([]*Session, 0, len(allSessions.table))
	for _, session := range allSessions.table {
		candidates = append(candidates, session)
	}
	allSessions.mu.RUnlock()

	for _, session := range candidates {
		session.mu.Lock()
		for _, slot := range session.clients {
			if slot.connected && slot.conn != nil {
				slot.conn.shut()
			}
		}
		session.mu.Unlock()
	}
	logServer.Info(0, "stopped event channels", "nSessions", len(candidates))
}
