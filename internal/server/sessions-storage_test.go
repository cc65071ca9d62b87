package server

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

func makeTestSessions(t *testing.T, maxActiveSessions int64, maxSessionStorage int64, unusedGrace time.Duration, activeGrace time.Duration) (*SessionsStorage, *StorageBackend) {
	backend, err := MakeStorageBackend(t.TempDir(), "")
	require.NoError(t, err)
	allSessions, err := MakeSessionsStorage(backend, maxActiveSessions, maxSessionStorage, unusedGrace, activeGrace)
	require.NoError(t, err)
	return allSessions, backend
}

// makeTestConn builds a connection that never had a websocket behind it:
// enqueue and shut only touch the channels, so broadcasts can be observed
// by reading conn.send directly.
func makeTestConn() *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		send: make(chan []byte, sendQueueSize),
		quit: make(chan struct{}),
	}
}

func nextEvent(t *testing.T, conn *wsConn) common.Event {
	t.Helper()
	select {
	case payload := <-conn.send:
		var evt common.Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event in the send queue")
		return common.Event{}
	}
}

func textMessage(content string) common.Message {
	return common.Message{Type: common.MessageTypeText, Content: content}
}

func TestJoinPairsTwoClientsAndRejectsThird(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn1 := makeTestConn()
	res1, err := allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	assert.False(t, res1.Reconnected)
	assert.Equal(t, 1, res1.ConnectedCount)
	assert.Equal(t, common.EventSessionJoined, nextEvent(t, conn1).Event)

	conn2 := makeTestConn()
	res2, err := allSessions.JoinSession(code, "", conn2)
	require.NoError(t, err)
	assert.NotEqual(t, res1.Token, res2.Token)
	assert.Equal(t, 2, res2.ConnectedCount)

	// once the pair is complete, both sides hear about it
	assert.Equal(t, common.EventUserConnected, nextEvent(t, conn1).Event)
	assert.Equal(t, common.EventSessionJoined, nextEvent(t, conn2).Event)
	assert.Equal(t, common.EventUserConnected, nextEvent(t, conn2).Event)

	_, err = allSessions.JoinSession(code, "", makeTestConn())
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestJoinUnknownCode(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)

	_, err := allSessions.JoinSession("NOPE42", "", makeTestConn())
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestReconnectKeepsTokenAndReplaysHistory(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn1 := makeTestConn()
	res1, err := allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	conn2 := makeTestConn()
	res2, err := allSessions.JoinSession(code, "", conn2)
	require.NoError(t, err)

	_, err = allSessions.AppendMessage(code, res1.Token, textMessage("hi"))
	require.NoError(t, err)

	allSessions.HandleDisconnect(conn2.id)

	// conn1: sessionJoined, userConnected, receiveMessage, userDisconnected
	assert.Equal(t, common.EventSessionJoined, nextEvent(t, conn1).Event)
	assert.Equal(t, common.EventUserConnected, nextEvent(t, conn1).Event)
	assert.Equal(t, common.EventReceiveMessage, nextEvent(t, conn1).Event)
	assert.Equal(t, common.EventUserDisconnected, nextEvent(t, conn1).Event)

	conn2b := makeTestConn()
	res2b, err := allSessions.JoinSession(code, res2.Token, conn2b)
	require.NoError(t, err)
	assert.True(t, res2b.Reconnected)
	assert.Equal(t, res2.Token, res2b.Token)
	assert.Equal(t, 1, res2b.HistoryLen)

	joined := nextEvent(t, conn2b)
	require.Equal(t, common.EventSessionJoined, joined.Event)
	var joinedData common.SessionJoinedData
	require.NoError(t, json.Unmarshal(joined.Data, &joinedData))
	assert.Equal(t, res2.Token, joinedData.ClientToken)
	require.Len(t, joinedData.History, 1)
	assert.Equal(t, "hi", joinedData.History[0].Content)
	assert.Equal(t, res1.Token, joinedData.History[0].Sender)
}

func TestDisconnectReleasesEverySlotOfTheChannel(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	// nothing stops a client from sending joinRoom twice over one channel;
	// both slots then belong to that channel and die with it
	conn := makeTestConn()
	_, err = allSessions.JoinSession(code, "", conn)
	require.NoError(t, err)
	_, err = allSessions.JoinSession(code, "", conn)
	require.NoError(t, err)

	allSessions.HandleDisconnect(conn.id)

	// with a phantom connected slot left behind, the session would never
	// count as idle and no reaper could collect it
	assert.True(t, allSessions.deleteSessionIfIdle(allSessions.GetSession(code)))
	assert.False(t, allSessions.IsLive(code))
}

func TestDisconnectSpansAllSessionsOfTheChannel(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code1, err := allSessions.CreateSession()
	require.NoError(t, err)
	code2, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn := makeTestConn()
	_, err = allSessions.JoinSession(code1, "", conn)
	require.NoError(t, err)
	_, err = allSessions.JoinSession(code2, "", conn)
	require.NoError(t, err)

	allSessions.HandleDisconnect(conn.id)

	assert.True(t, allSessions.deleteSessionIfIdle(allSessions.GetSession(code1)))
	assert.True(t, allSessions.deleteSessionIfIdle(allSessions.GetSession(code2)))
}

func TestStaleDisconnectDoesNotKnockOutReconnectedPeer(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn1 := makeTestConn()
	_, err = allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	conn2 := makeTestConn()
	res2, err := allSessions.JoinSession(code, "", conn2)
	require.NoError(t, err)

	allSessions.HandleDisconnect(conn2.id)
	conn2b := makeTestConn()
	_, err = allSessions.JoinSession(code, res2.Token, conn2b)
	require.NoError(t, err)

	// the close of the replaced channel arrives late; the slot now belongs
	// to the fresh channel and must stay connected
	allSessions.HandleDisconnect(conn2.id)

	_, err = allSessions.AppendMessage(code, res2.Token, textMessage("still here"))
	assert.NoError(t, err)
}

func TestMessagesKeepOrderAndStrictlyGrowingStamps(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn1 := makeTestConn()
	res1, err := allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	conn2 := makeTestConn()
	res2, err := allSessions.JoinSession(code, "", conn2)
	require.NoError(t, err)

	contents := []string{"m0", "m1", "m2", "m3", "m4"}
	var lastStamp int64
	for i, content := range contents {
		sender := res1.Token
		if i%2 == 1 {
			sender = res2.Token
		}
		full, err := allSessions.AppendMessage(code, sender, textMessage(content))
		require.NoError(t, err)
		assert.Greater(t, full.Timestamp, lastStamp, "stamps must grow even within one millisecond")
		lastStamp = full.Timestamp
	}

	// skip the join preamble, then both peers see all five in send order
	for _, conn := range []*wsConn{conn1, conn2} {
		nextEvent(t, conn) // sessionJoined
		nextEvent(t, conn) // userConnected
		for _, content := range contents {
			evt := nextEvent(t, conn)
			require.Equal(t, common.EventReceiveMessage, evt.Event)
			var msg common.FullMessage
			require.NoError(t, json.Unmarshal(evt.Data, &msg))
			assert.Equal(t, content, msg.Content)
		}
	}
}

func TestAppendMessageValidation(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)
	conn1 := makeTestConn()
	res1, err := allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)

	_, err = allSessions.AppendMessage(code, res1.Token, common.Message{Type: "poke"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = allSessions.AppendMessage(code, res1.Token, common.Message{Type: common.MessageTypeText})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = allSessions.AppendMessage(code, res1.Token, common.Message{Type: common.MessageTypeFile})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = allSessions.AppendMessage("NOPE42", res1.Token, textMessage("hi"))
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = allSessions.AppendMessage(code, "not-a-member", textMessage("hi"))
	assert.ErrorIs(t, err, ErrNotMember)

	allSessions.HandleDisconnect(conn1.id)
	_, err = allSessions.AppendMessage(code, res1.Token, textMessage("hi"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHistorySnapshotPrecedesLiveMessages(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn1 := makeTestConn()
	res1, err := allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	_, err = allSessions.AppendMessage(code, res1.Token, textMessage("before-1"))
	require.NoError(t, err)
	_, err = allSessions.AppendMessage(code, res1.Token, textMessage("before-2"))
	require.NoError(t, err)

	conn2 := makeTestConn()
	_, err = allSessions.JoinSession(code, "", conn2)
	require.NoError(t, err)
	_, err = allSessions.AppendMessage(code, res1.Token, textMessage("after"))
	require.NoError(t, err)

	joined := nextEvent(t, conn2)
	require.Equal(t, common.EventSessionJoined, joined.Event)
	var joinedData common.SessionJoinedData
	require.NoError(t, json.Unmarshal(joined.Data, &joinedData))
	assert.Len(t, joinedData.History, 2)

	assert.Equal(t, common.EventUserConnected, nextEvent(t, conn2).Event)
	live := nextEvent(t, conn2)
	require.Equal(t, common.EventReceiveMessage, live.Event)
	var msg common.FullMessage
	require.NoError(t, json.Unmarshal(live.Data, &msg))
	assert.Equal(t, "after", msg.Content)
}

func TestUnusedSessionExpires(t *testing.T) {
	allSessions, backend := makeTestSessions(t, -1, -1, 100*time.Millisecond, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)
	require.True(t, allSessions.IsLive(code))

	assert.Eventually(t, func() bool {
		if allSessions.IsLive(code) {
			return false
		}
		_, statErr := os.Stat(backend.sessionDir(code))
		return os.IsNotExist(statErr)
	}, 3*time.Second, 20*time.Millisecond, "an unjoined code must go away with its tree")
	assert.EqualValues(t, 1, allSessions.ExpiredCount())
}

func TestSessionWithActivityGetsTheLongGrace(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, 50*time.Millisecond, time.Second)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	conn1 := makeTestConn()
	res1, err := allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	_, err = allSessions.AppendMessage(code, res1.Token, textMessage("worth keeping"))
	require.NoError(t, err)
	allSessions.HandleDisconnect(conn1.id)

	// well past the unused grace, still within the active one
	time.Sleep(300 * time.Millisecond)
	assert.True(t, allSessions.IsLive(code))

	assert.Eventually(t, func() bool {
		return !allSessions.IsLive(code)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConnectedSessionIsNeverReaped(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, 50*time.Millisecond, 50*time.Millisecond)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)
	_, err = allSessions.JoinSession(code, "", makeTestConn())
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, allSessions.DeleteExpiredSessions())
	assert.True(t, allSessions.IsLive(code))
}

func TestCronSweepCatchesIdleSessionsWithoutTimer(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, 200*time.Millisecond, 50*time.Millisecond)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	// storage landing disarms the pending timer, like an upload that
	// completes after everybody disconnected
	allSessions.AccountStorage(code, 10)

	time.Sleep(150 * time.Millisecond)
	require.True(t, allSessions.IsLive(code), "no timer is armed, nothing may fire on its own")

	assert.EqualValues(t, 1, allSessions.DeleteExpiredSessions())
	assert.False(t, allSessions.IsLive(code))
}

func TestDeleteSessionIfIdleRespectsConnections(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)
	conn1 := makeTestConn()
	_, err = allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)

	assert.False(t, allSessions.deleteSessionIfIdle(allSessions.GetSession(code)))
	assert.True(t, allSessions.IsLive(code))

	allSessions.HandleDisconnect(conn1.id)
	assert.True(t, allSessions.deleteSessionIfIdle(allSessions.GetSession(code)))
	assert.False(t, allSessions.IsLive(code))

	_, err = allSessions.JoinSession(code, "", makeTestConn())
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestSessionCapacity(t *testing.T) {
	allSessions, _ := makeTestSessions(t, 1, -1, time.Minute, time.Minute)

	_, err := allSessions.CreateSession()
	require.NoError(t, err)
	_, err = allSessions.CreateSession()
	assert.ErrorIs(t, err, ErrSessionCapacity)

	assert.EqualValues(t, 1, allSessions.ActiveCount())
	assert.EqualValues(t, 1, allSessions.CreatedCount())
}

func TestSessionCapacityHoldsUnderConcurrentMints(t *testing.T) {
	const limit = 4
	allSessions, _ := makeTestSessions(t, limit, -1, time.Minute, time.Minute)

	start := make(chan struct{})
	results := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < cap(results); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := allSessions.CreateSession()
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	minted := 0
	for err := range results {
		if err == nil {
			minted++
		} else {
			assert.ErrorIs(t, err, ErrSessionCapacity)
		}
	}
	assert.Equal(t, limit, minted)
	assert.EqualValues(t, limit, allSessions.ActiveCount())
}

func TestQuotaIsCheckedAgainstDiskUsage(t *testing.T) {
	allSessions, backend := makeTestSessions(t, -1, 100, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	assert.NoError(t, allSessions.CheckQuota(code, 100))
	err = allSessions.CheckQuota(code, 101)
	var quotaErr *QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.EqualValues(t, 0, quotaErr.Current)
	assert.EqualValues(t, 100, quotaErr.Limit)

	require.NoError(t, os.WriteFile(filepath.Join(backend.filesDir(code), "1-blob"), make([]byte, 60), 0644))

	assert.NoError(t, allSessions.CheckQuota(code, 40))
	err = allSessions.CheckQuota(code, 41)
	require.True(t, errors.As(err, &quotaErr))
	assert.EqualValues(t, 60, quotaErr.Current)
	assert.EqualValues(t, 40, allSessions.RemainingQuota(code))
}

func TestUnlimitedQuota(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)

	assert.NoError(t, allSessions.CheckQuota(code, 1<<40))
	assert.EqualValues(t, -1, allSessions.RemainingQuota(code))
}

func TestLiveCodes(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code1, err := allSessions.CreateSession()
	require.NoError(t, err)
	code2, err := allSessions.CreateSession()
	require.NoError(t, err)

	codes := allSessions.LiveCodes()
	assert.Len(t, codes, 2)
	assert.True(t, codes[code1])
	assert.True(t, codes[code2])
}

func TestStopAllConnectionsShutsEveryChannel(t *testing.T) {
	allSessions, _ := makeTestSessions(t, -1, -1, time.Minute, time.Minute)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)
	conn1 := makeTestConn()
	_, err = allSessions.JoinSession(code, "", conn1)
	require.NoError(t, err)
	conn2 := makeTestConn()
	_, err = allSessions.JoinSession(code, "", conn2)
	require.NoError(t, err)

	allSessions.StopAllConnections()

	for _, conn := range []*wsConn{conn1, conn2} {
		select {
		case <-conn.quit:
		default:
			t.Errorf("channel %s was not shut", conn.id)
		}
	}
}
