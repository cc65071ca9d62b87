package common

import (
	"encoding/json"
)

// This file declares the wire types shared by the server and the Go client:
// the envelope and payloads of the event channel, plus the JSON bodies of the
// HTTP API. The server treats message content and file metadata as opaque
// (clients may put ciphertext and their own key material there), hence the
// raw JSON fields.

// Event is the envelope of everything traveling over the event channel,
// in both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client-to-server event names.
const (
	EventJoinRoom    = "joinRoom"
	EventSendMessage = "sendMessage"
)

// Server-to-client event names.
const (
	EventSessionJoined    = "sessionJoined"
	EventReceiveMessage   = "receiveMessage"
	EventUserConnected    = "userConnected"
	EventUserDisconnected = "userDisconnected"
	EventError            = "error"
)

// Message types accepted by sendMessage.
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

// JoinRoomData is the payload of a joinRoom event.
// ClientToken is empty on a first join and holds the previously issued token
// on a reconnect.
type JoinRoomData struct {
	Code        string `json:"code"`
	ClientToken string `json:"clientToken,omitempty"`
}

// Message is a client-composed message: either text (Content set) or a file
// notice (Metadata set, normally a marshaled FileDescriptor plus whatever
// the client adds on top).
type Message struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SendMessageData is the payload of a sendMessage event.
type SendMessageData struct {
	MatchCode   string  `json:"matchCode"`
	ClientToken string  `json:"clientToken"`
	Message     Message `json:"message"`
}

// FullMessage is a Message after the server stamped it. Timestamp is unix
// milliseconds, strictly increasing within one session, so (sender,timestamp)
// identifies a message for client-side deduplication.
type FullMessage struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
}

// SessionJoinedData is the payload of a sessionJoined event: the identity to
// present on reconnect and a snapshot of everything said so far.
type SessionJoinedData struct {
	ClientToken string        `json:"clientToken"`
	History     []FullMessage `json:"history"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// FileDescriptor describes one stored file; the uploader forwards it to the
// peer inside a file message.
type FileDescriptor struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	DownloadURL string `json:"downloadUrl"`
}

// UploadProgress reports the state of a chunked upload.
// Progress is a percentage with one decimal.
type UploadProgress struct {
	TotalChunks    int     `json:"totalChunks"`
	ReceivedChunks int     `json:"receivedChunks"`
	Progress       float64 `json:"progress"`
	MissingChunks  []int   `json:"missingChunks"`
}

// CodeReply is the body of GET /api/code.
type CodeReply struct {
	Code string `json:"code"`
}

// UploadInitRequest is the body of POST /api/upload/init.
type UploadInitRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType,omitempty"`
}

// UploadInitReply is the body of a successful POST /api/upload/init.
type UploadInitReply struct {
	UploadID string `json:"uploadId"`
}

// UploadChunkReply is the body of a successful POST /api/upload/chunk.
type UploadChunkReply struct {
	Success  bool           `json:"success"`
	Progress UploadProgress `json:"progress"`
}

// UploadCompleteRequest is the body of POST /api/upload/complete.
type UploadCompleteRequest struct {
	UploadID string `json:"uploadId"`
}

// SuccessReply is the body of endpoints that have nothing else to say.
type SuccessReply struct {
	Success bool `json:"success"`
}

// SessionStorageReply is the body of GET /api/session/{code}/storage.
// Limit is -1 when the server runs without a per-session quota.
type SessionStorageReply struct {
	CurrentUsage    int64   `json:"currentUsage"`
	Limit           int64   `json:"limit"`
	FileCount       int64   `json:"fileCount"`
	FormattedUsage  string  `json:"formattedUsage"`
	FormattedLimit  string  `json:"formattedLimit"`
	UsagePercentage float64 `json:"usagePercentage"`
	IsUnlimited     bool    `json:"isUnlimited"`
}

// ServerStatsReply is the body of GET /api/server/stats.
type ServerStatsReply struct {
	ActiveSessions  int64   `json:"activeSessions"`
	MaxSessions     int64   `json:"maxSessions"`
	AvailableSlots  int64   `json:"availableSlots"`
	UsagePercentage float64 `json:"usagePercentage"`
	IsUnlimited     bool    `json:"isUnlimited"`
}

// APIErrorReply is the error body of every failed API call except quota
// denials (see QuotaErrorReply).
type APIErrorReply struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// QuotaErrorReply is the 413 body when a session's storage budget would
// overflow; CurrentUsage counts the bytes stored before the denied upload.
type QuotaErrorReply struct {
	Error        string `json:"error"`
	CurrentUsage int64  `json:"currentUsage"`
	Limit        int64  `json:"limit"`
}
