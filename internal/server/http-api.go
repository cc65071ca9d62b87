package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	ua "github.com/mileusna/useragent"
	"github.com/rs/cors"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

const (
	// slack on top of the declared payload for multipart boundaries and fields
	multipartOverhead = 1 << 20
	// upper bound on declared chunk counts, to keep the chunk bitmap sane
	maxUploadChunks = 10000
	// longest accepted value of a non-file multipart field
	maxFieldValueLen = 1 << 10
)

// MakeRouter wires the whole HTTP surface: the JSON API (behind the access
// filter), the download streamer, the event-channel upgrade and the health
// probe. CORS wraps everything so browser clients can sit on another origin.
func (s *CipherDropServer) MakeRouter() http.Handler {
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWsOrigin,
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(s.accessFilter)
		r.Get("/code", s.handleMintCode)
		r.Post("/upload", s.handleUpload)
		r.Post("/upload/init", s.handleUploadInit)
		r.Post("/upload/chunk", s.handleUploadChunk)
		r.Post("/upload/complete", s.handleUploadComplete)
		r.Get("/upload/progress/{uploadId}", s.handleUploadProgress)
		r.Delete("/upload/{uploadId}", s.handleUploadCancel)
		r.Get("/session/{code}/storage", s.handleSessionStorage)
		r.Get("/server/stats", s.handleServerStats)
	})
	r.Get("/downloads/{code}/{filename}", s.handleDownload)
	r.Get("/ws", s.ServeEventChannel)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: s.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})
	return corsWrapper.Handler(r)
}

// deniedAgents are scraping and automation tools turned away from the JSON
// API. Downloads stay open: "save link as" and plain fetches must work.
var deniedAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "scrapy",
	"httpie", "go-http-client", "libwww-perl", "okhttp", "java",
}

// accessFilter lets browsers and the cipherdrop CLI through and keeps bots
// out. With origin pinning configured, the Origin (or Referer) header must
// match the allow-list; "*" disables pinning.
func (s *CipherDropServer) accessFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := ua.Parse(r.UserAgent())
		if agent.Bot || isDeniedAgent(agent.Name) {
			writeError(w, http.StatusForbidden, "Forbidden", "automated clients are not allowed")
			return
		}
		if !s.originAllowed(r) {
			writeError(w, http.StatusForbidden, "Forbidden", "origin is not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isDeniedAgent(agentName string) bool {
	lowered := strings.ToLower(agentName)
	for _, denied := range deniedAgents {
		if strings.Contains(lowered, denied) {
			return true
		}
	}
	return false
}

func (s *CipherDropServer) originPinningDisabled() bool {
	if len(s.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

func (s *CipherDropServer) originMatches(origin string) bool {
	for _, allowed := range s.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *CipherDropServer) originAllowed(r *http.Request) bool {
	if s.originPinningDisabled() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return false
	}
	return s.originMatches(origin)
}

// checkWsOrigin is the upgrade-time variant of the origin check. A missing
// Origin header passes: non-browser peers (the CLI) don't send one.
func (s *CipherDropServer) checkWsOrigin(r *http.Request) bool {
	if s.originPinningDisabled() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originMatches(origin)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logServer.Error("can't encode response", err)
	}
}

func writeError(w http.ResponseWriter, status int, short string, detail string) {
	writeJSON(w, status, common.APIErrorReply{Error: short, Message: detail})
}

// writeAPIError maps taxonomy errors onto HTTP statuses and bodies.
func (s *CipherDropServer) writeAPIError(w http.ResponseWriter, err error) {
	var quotaErr *QuotaExceededError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &quotaErr):
		atomic.AddInt64(&s.Stats.quotaDenials, 1)
		writeJSON(w, http.StatusRequestEntityTooLarge, common.QuotaErrorReply{
			Error:        "Storage quota exceeded",
			CurrentUsage: quotaErr.Current,
			Limit:        quotaErr.Limit,
		})
	case errors.Is(err, ErrFileTooLarge), errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large", err.Error())
	case errors.Is(err, ErrSessionCapacity):
		writeError(w, http.StatusTooManyRequests, "Server is full", err.Error())
	case errors.Is(err, ErrInvalidCode):
		writeError(w, http.StatusNotFound, "Invalid session code", err.Error())
	case errors.Is(err, ErrUploadNotFound):
		writeError(w, http.StatusNotFound, "Upload not found", err.Error())
	case errors.Is(err, ErrFileNotFound):
		writeError(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, ErrInvalidChunkIndex):
		writeError(w, http.StatusBadRequest, "Invalid chunk index", err.Error())
	case errors.Is(err, ErrUploadIncomplete):
		writeError(w, http.StatusBadRequest, "Upload incomplete", err.Error())
	case errors.Is(err, ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid path", err.Error())
	case errors.Is(err, ErrCodeSpaceExhausted):
		writeError(w, http.StatusServiceUnavailable, "No codes available", err.Error())
	case errors.Is(err, ErrSizeMismatch):
		writeError(w, http.StatusInternalServerError, "Size mismatch", err.Error())
	default:
		logServer.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
	}
}

func roundPercent(part int64, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	ratio := float64(part) / float64(whole) * 100
	return float64(int64(ratio*10+0.5)) / 10
}

func (s *CipherDropServer) handleMintCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.Sessions.CreateSession()
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, common.CodeReply{Code: code})
}

// requireSessionHeader reads X-Session-Id; an empty header is a caller bug
// (400), an unknown code a stale one (404, via ErrInvalidCode upstream).
func requireSessionHeader(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := r.Header.Get("X-Session-Id")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Missing session", "the X-Session-Id header is required")
		return "", false
	}
	return code, true
}

// handleUpload receives a whole file in one multipart request. The body is
// streamed: nothing is buffered beyond the copy buffer, and the multipart
// reader hands us the "file" part directly.
func (s *CipherDropServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	code, ok := requireSessionHeader(w, r)
	if !ok {
		return
	}
	if !s.Sessions.IsLive(code) {
		s.writeAPIError(w, ErrInvalidCode)
		return
	}

	if s.MaxFileSize >= 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxFileSize+multipartOverhead)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form", err.Error())
		return
	}

	part, err := nextFormFile(reader, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file", err.Error())
		return
	}
	defer part.Close()

	fileName := part.FileName()
	if fileName == "" {
		fileName = "file"
	}
	mimeType := part.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	descriptor, err := s.Uploads.ReceiveSingleShot(code, fileName, mimeType, part, s.MaxFileSize)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	atomic.AddInt64(&s.Stats.bytesReceived, descriptor.Size)
	atomic.AddInt64(&s.Stats.filesReceived, 1)
	writeJSON(w, http.StatusOK, descriptor)
}

// nextFormFile walks the multipart stream until the named file part shows up,
// skipping over whatever else the form carries.
func nextFormFile(reader *multipart.Reader, field string) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("multipart field %q is required", field)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == field {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *CipherDropServer) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	code, ok := requireSessionHeader(w, r)
	if !ok {
		return
	}

	var req common.UploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if req.FileName == "" || req.FileSize <= 0 || req.TotalChunks <= 0 {
		writeError(w, http.StatusBadRequest, "Missing fields", "fileName, fileSize and totalChunks are required")
		return
	}
	if req.TotalChunks > maxUploadChunks {
		writeError(w, http.StatusBadRequest, "Missing fields", fmt.Sprintf("totalChunks can't exceed %d", maxUploadChunks))
		return
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}
	if s.MaxFileSize >= 0 && req.FileSize > s.MaxFileSize {
		s.writeAPIError(w, ErrFileTooLarge)
		return
	}

	upload, err := s.Uploads.Init(code, req.FileName, req.FileSize, req.TotalChunks, req.MimeType)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, common.UploadInitReply{UploadID: upload.uploadID})
}

// handleUploadChunk streams one chunk to disk. The multipart form must put
// the uploadId and chunkIndex fields before the chunk part, which is exactly
// what FormData.append order and our CLI produce; this way the chunk bytes
// are never buffered while we wait to learn where they belong.
func (s *CipherDropServer) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if s.MaxFileSize >= 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxFileSize+multipartOverhead)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form", err.Error())
		return
	}

	var uploadID string
	chunkIndex := -1
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "Missing fields", "multipart field \"chunk\" is required")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid form", err.Error())
			return
		}

		switch part.FormName() {
		case "uploadId":
			uploadID, err = readFieldValue(part)
		case "chunkIndex":
			var value string
			if value, err = readFieldValue(part); err == nil {
				chunkIndex, err = strconv.Atoi(value)
			}
		case "chunk":
			if uploadID == "" || chunkIndex < 0 {
				_ = part.Close()
				writeError(w, http.StatusBadRequest, "Missing fields", "uploadId and chunkIndex must precede the chunk")
				return
			}
			progress, putErr := s.Uploads.PutChunk(uploadID, chunkIndex, part)
			_ = part.Close()
			if putErr != nil {
				s.writeAPIError(w, putErr)
				return
			}
			writeJSON(w, http.StatusOK, common.UploadChunkReply{Success: true, Progress: progress})
			return
		default:
			_ = part.Close()
			continue
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid form", err.Error())
			return
		}
	}
}

func readFieldValue(part *multipart.Part) (string, error) {
	defer part.Close()
	value, err := io.ReadAll(io.LimitReader(part, maxFieldValueLen))
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (s *CipherDropServer) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req common.UploadCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UploadID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "uploadId is required")
		return
	}

	descriptor, err := s.Uploads.Complete(req.UploadID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	atomic.AddInt64(&s.Stats.bytesReceived, descriptor.Size)
	atomic.AddInt64(&s.Stats.filesReceived, 1)
	writeJSON(w, http.StatusOK, descriptor)
}

func (s *CipherDropServer) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.Uploads.Progress(chi.URLParam(r, "uploadId"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *CipherDropServer) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	s.Uploads.Cancel(chi.URLParam(r, "uploadId"))
	writeJSON(w, http.StatusOK, common.SuccessReply{Success: true})
}

func (s *CipherDropServer) handleSessionStorage(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !isSafePathComponent(code) {
		s.writeAPIError(w, ErrInvalidName)
		return
	}
	if !s.Sessions.IsLive(code) {
		s.writeAPIError(w, ErrInvalidCode)
		return
	}

	currentUsage, fileCount, err := s.Storage.SessionUsage(code)
	if err != nil {
		// same fail-open rule as the upload path: report zero, don't fail
		logServer.Error("can't scan session usage", "code", code, err)
		currentUsage, fileCount = 0, 0
	}

	limit := s.Sessions.maxSessionStorage
	reply := common.SessionStorageReply{
		CurrentUsage:   currentUsage,
		Limit:          limit,
		FileCount:      fileCount,
		FormattedUsage: humanize.IBytes(uint64(currentUsage)),
		IsUnlimited:    limit < 0,
	}
	if limit < 0 {
		reply.FormattedLimit = "Unlimited"
	} else {
		reply.FormattedLimit = humanize.IBytes(uint64(limit))
		reply.UsagePercentage = roundPercent(currentUsage, limit)
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *CipherDropServer) handleServerStats(w http.ResponseWriter, r *http.Request) {
	active := s.Sessions.ActiveCount()
	maxSessions := s.Sessions.maxActiveSessions

	reply := common.ServerStatsReply{
		ActiveSessions: active,
		MaxSessions:    maxSessions,
		AvailableSlots: -1,
		IsUnlimited:    maxSessions < 0,
	}
	if maxSessions >= 0 {
		available := maxSessions - active
		if available < 0 {
			available = 0
		}
		reply.AvailableSlots = available
		reply.UsagePercentage = roundPercent(active, maxSessions)
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleDownload streams a stored file back. Both path parts are untrusted;
// StorageBackend.Open re-validates them and pins the resolved path under the
// session files dir. ServeContent gives us Range support for free.
func (s *CipherDropServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	code, err := url.PathUnescape(chi.URLParam(r, "code"))
	if err != nil {
		s.writeAPIError(w, ErrInvalidName)
		return
	}
	storedName, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil {
		s.writeAPIError(w, ErrInvalidName)
		return
	}

	fd, info, err := s.Storage.Open(code, storedName)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	defer fd.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", displayName(storedName)))
	http.ServeContent(w, r, "", info.ModTime(), fd)

	atomic.AddInt64(&s.Stats.bytesServed, info.Size())
	atomic.AddInt64(&s.Stats.filesServed, 1)
	logServer.Info(1, "file served", "code", code, "size", info.Size(), storedName)
}

// displayName strips the millisecond allocation prefix from a stored name,
// recovering the name the uploader chose.
func displayName(storedName string) string {
	for i := 0; i < len(storedName); i++ {
		if storedName[i] == '-' {
			if i > 0 && i+1 < len(storedName) {
				return storedName[i+1:]
			}
			break
		}
		if storedName[i] < '0' || storedName[i] > '9' {
			break
		}
	}
	return storedName
}
