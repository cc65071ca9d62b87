package tests

import (
	"fmt"
	"net/http/httptest"
	"os"
	"time"

	"github.com/dreamhartley/CipherDrop/internal/client"
	"github.com/dreamhartley/CipherDrop/internal/common"
	"github.com/dreamhartley/CipherDrop/internal/server"
)

type relayOptionsForTesting struct {
	maxActiveSessions int64
	maxSessionStorage int64
	maxFileSize       int64
	unusedGrace       time.Duration
	activeGrace       time.Duration
	uploadTTL         time.Duration
}

type relayForTesting struct {
	cipherDropServer *server.CipherDropServer
	httpServer       *httptest.Server
	relay            *client.RelayConnection
	storageDir       string
}

// startRelayServerForTesting boots a whole relay on an ephemeral port, with
// its storage under a throwaway dir, plus a client connection pointed at it.
// Zero-valued options mean "unlimited" and generous graces.
func startRelayServerForTesting(opts relayOptionsForTesting) (*relayForTesting, error) {
	if opts.maxActiveSessions == 0 {
		opts.maxActiveSessions = -1
	}
	if opts.maxSessionStorage == 0 {
		opts.maxSessionStorage = -1
	}
	if opts.maxFileSize == 0 {
		opts.maxFileSize = -1
	}
	if opts.unusedGrace == 0 {
		opts.unusedGrace = time.Minute
	}
	if opts.activeGrace == 0 {
		opts.activeGrace = time.Minute
	}
	if opts.uploadTTL == 0 {
		opts.uploadTTL = time.Hour
	}

	if err := server.MakeLoggerServer("", -1); err != nil {
		return nil, err
	}
	if err := client.MakeLoggerClient("", -1, true); err != nil {
		return nil, err
	}

	storageDir, err := os.MkdirTemp("", "cipherdrop-test-*")
	if err != nil {
		return nil, err
	}

	s := &server.CipherDropServer{
		StartTime:      time.Now(),
		AllowedOrigins: []string{"*"},
		MaxFileSize:    opts.maxFileSize,
	}
	if s.Stats, err = server.MakeStatsd(""); err != nil {
		return nil, err
	}
	if s.Storage, err = server.MakeStorageBackend(storageDir, ""); err != nil {
		return nil, err
	}
	if s.Sessions, err = server.MakeSessionsStorage(s.Storage, opts.maxActiveSessions, opts.maxSessionStorage, opts.unusedGrace, opts.activeGrace); err != nil {
		return nil, err
	}
	if s.Uploads, err = server.MakeUploadEngine(s.Storage, s.Sessions, opts.uploadTTL); err != nil {
		return nil, err
	}

	httpServer := httptest.NewServer(s.MakeRouter())
	relay, err := client.MakeRelayConnection(httpServer.URL)
	if err != nil {
		httpServer.Close()
		return nil, err
	}

	return &relayForTesting{
		cipherDropServer: s,
		httpServer:       httpServer,
		relay:            relay,
		storageDir:       storageDir,
	}, nil
}

func (rt *relayForTesting) stop() {
	rt.cipherDropServer.Sessions.StopAllConnections()
	rt.httpServer.Close()
	_ = os.RemoveAll(rt.storageDir)
}

// receiveNamedEventForTesting reads events until the wanted one shows up,
// skipping presence noise that may interleave with messages.
func receiveNamedEventForTesting(channel *client.EventChannel, event string, timeout time.Duration) (*common.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no %q event within %s", event, timeout)
		}
		evt, err := channel.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if evt.Event == event {
			return evt, nil
		}
	}
}

func waitUntilForTesting(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}
