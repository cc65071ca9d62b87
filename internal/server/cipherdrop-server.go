package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

// CipherDropServer stores all server's state and serves the HTTP API plus
// the websocket event channel. It holds no peer secrets: message content and
// stored files are opaque bytes that clients encrypt end to end; the server
// only pairs two peers by code and relays between them.
type CipherDropServer struct {
	StartTime time.Time

	Cron  *Cron
	Stats *Statsd

	Storage  *StorageBackend
	Sessions *SessionsStorage
	Uploads  *UploadEngine

	AllowedOrigins []string
	MaxFileSize    int64 // per uploaded file, bytes, -1 means unlimited

	HTTPServer *http.Server
	wsUpgrader websocket.Upgrader
}

// StartHTTPListening is an entrypoint called from main() of cipherdrop-server.
// It either returns an error or starts serving requests and doesn't end
// until QuitServerGracefully shuts the listener down.
func (s *CipherDropServer) StartHTTPListening(listenAddr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	go s.Cron.StartCron()

	logServer.Info(0, "cipherdrop-server started")
	logServer.Info(0, "env:", "listenAddr", listenAddr, "; num cpu", runtime.NumCPU(), "; version", common.GetVersion())

	s.HTTPServer = &http.Server{
		Handler:           s.MakeRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.HTTPServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return listener, err
	}
	return listener, nil
}

// QuitServerGracefully closes all event channels and stops accepting new
// connections. After it, StartHTTPListening returns, and main() continues.
// Session state is not persisted: codes are short-lived secrets, and the
// boot sweep reclaims whatever the trees left on disk.
func (s *CipherDropServer) QuitServerGracefully() {
	logServer.Info(0, "graceful stop...")

	s.Stats.Close()
	s.Cron.StopCron()
	s.Sessions.StopAllConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		logServer.Error("http shutdown", err)
	}
}
