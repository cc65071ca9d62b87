package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dreamhartley/CipherDrop/internal/common"
	"github.com/dreamhartley/CipherDrop/internal/server"
)

func failedStart(message string, err error) {
	_, _ = fmt.Fprintln(os.Stderr, fmt.Sprint("failed to start cipherdrop-server: ", message, ": ", err))
	os.Exit(1)
}

// parseAllowedOrigins splits the comma-separated allow-list; a "*" anywhere
// (the default) disables origin pinning.
func parseAllowedOrigins(commaSeparated string) []string {
	origins := make([]string, 0, 4)
	for _, origin := range strings.Split(commaSeparated, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			origins = append(origins, strings.TrimSuffix(origin, "/"))
		}
	}
	return origins
}

func main() {
	var err error

	showVersionAndExit := common.CmdEnvBool("Show version and exit", false,
		"version", "")
	showVersionAndExitShort := common.CmdEnvBool("Show version and exit", false,
		"v", "")
	bindHost := common.CmdEnvString("Binding address, default 0.0.0.0.", "0.0.0.0",
		"host", "")
	listenPort := common.CmdEnvInt("Listening port, default 3000.", 3000,
		"port", "CIPHERDROP_PORT")
	storageDir := common.CmdEnvString("Directory for session files and in-flight chunks, default /tmp/cipherdrop/storage.\nIts contents don't survive a restart: leftover session trees are swept on boot.", "/tmp/cipherdrop/storage",
		"storage-dir", "CIPHERDROP_STORAGE_DIR")
	maxSessionStorage := common.CmdEnvInt("Per-session storage quota, in bytes (-1 means unlimited, the default).", -1,
		"max-session-storage", "CIPHERDROP_MAX_SESSION_STORAGE")
	maxActiveSessions := common.CmdEnvInt("Max amount of simultaneously active sessions (-1 means unlimited, the default).\nWhen reached, minting new codes is denied until sessions expire.", -1,
		"max-active-sessions", "CIPHERDROP_MAX_ACTIVE_SESSIONS")
	maxFileSize := common.CmdEnvInt("Max size of one uploaded file, in bytes (-1 means unlimited, the default).", -1,
		"max-file-size", "CIPHERDROP_MAX_FILE_SIZE")
	allowedOrigins := common.CmdEnvString("Comma-separated list of allowed browser origins; \"*\" (the default) allows any.", "*",
		"allowed-origins", "CIPHERDROP_ALLOWED_ORIGINS")
	baseURL := common.CmdEnvString("Absolute URL prefix for download links, e.g. https://drop.example.com.\nWhen empty (the default), download links are server-relative.", "",
		"base-url", "CIPHERDROP_BASE_URL")
	unusedSessionGrace := common.CmdEnvDuration("How long a session with no connected clients and no activity yet survives. By default, 60 seconds.", 60*time.Second,
		"unused-session-grace", "CIPHERDROP_UNUSED_SESSION_GRACE")
	activeSessionGrace := common.CmdEnvDuration("How long a session that carried messages or files survives with no connected clients. By default, 20 minutes.", 20*time.Minute,
		"active-session-grace", "CIPHERDROP_ACTIVE_SESSION_GRACE")
	uploadTTL := common.CmdEnvDuration("How long an unfinished chunked upload survives without new chunks. By default, 24 hours.", 24*time.Hour,
		"upload-ttl", "CIPHERDROP_UPLOAD_TTL")
	logFileName := common.CmdEnvString("A filename to log, by default use stderr.", "",
		"log-filename", "CIPHERDROP_LOG_FILENAME")
	logVerbosity := common.CmdEnvInt("Logger verbosity level for INFO (-1 off, default 0, max 2).\nErrors are logged always.", 0,
		"log-verbosity", "CIPHERDROP_LOG_VERBOSITY")
	statsdHostPort := common.CmdEnvString("Statsd udp address (host:port), omitted by default.\nIf omitted, stats won't be written.", "",
		"statsd", "CIPHERDROP_STATSD")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersionAndExit || *showVersionAndExitShort {
		fmt.Println(common.GetVersion())
		os.Exit(0)
	}

	if err = server.MakeLoggerServer(*logFileName, *logVerbosity); err != nil {
		failedStart("Can't init logger", err)
	}

	s := &server.CipherDropServer{
		StartTime:      time.Now(),
		AllowedOrigins: parseAllowedOrigins(*allowedOrigins),
		MaxFileSize:    *maxFileSize,
	}

	s.Stats, err = server.MakeStatsd(*statsdHostPort)
	if err != nil {
		failedStart("Failed to connect to statsd", err)
	}

	s.Storage, err = server.MakeStorageBackend(*storageDir, *baseURL)
	if err != nil {
		failedStart("Failed to init storage backend", err)
	}

	s.Sessions, err = server.MakeSessionsStorage(s.Storage, *maxActiveSessions, *maxSessionStorage, *unusedSessionGrace, *activeSessionGrace)
	if err != nil {
		failedStart("Failed to init sessions hashtable", err)
	}

	s.Uploads, err = server.MakeUploadEngine(s.Storage, s.Sessions, *uploadTTL)
	if err != nil {
		failedStart("Failed to init upload engine", err)
	}

	s.Cron, err = server.MakeCron(s)
	if err != nil {
		failedStart("Failed to init cron", err)
	}

	// everything on disk predates this process: no session can own it
	s.Storage.SweepOrphans(s.Sessions.LiveCodes())

	listener, err := s.StartHTTPListening(fmt.Sprintf("%s:%d", *bindHost, *listenPort))
	if err != nil {
		failedStart("Failed to listen", err)
	}

	_ = listener.Close()
}
