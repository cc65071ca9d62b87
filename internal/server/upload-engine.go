package server

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

// UploadSession is the in-flight state of one chunked upload.
// A lifetime of one UploadSession is the following:
// 1) init declares the file and its chunk count; a chunk dir is allocated
// 2) chunks arrive in any order, possibly in parallel, possibly repeated
// 3) complete assembles chunk_0..chunk_{N-1} into the session files dir
// 4) the chunk dir is dropped; the state entry is gone from the engine
// Uploads nobody finishes are reaped by TTL, see DeleteExpiredUploads.
type UploadSession struct {
	uploadID    string
	code        string
	fileName    string
	totalSize   int64
	totalChunks int
	mimeType    string
	chunkDir    string
	createdAt   time.Time

	mu           sync.Mutex
	claimed      map[int]bool   // an uploader owns this index, write may still be in flight
	received     map[int]string // chunk index -> path of the durably written chunk
	lastActivity time.Time
	finished     bool // complete or cancel took the upload over, late chunks are turned away
}

// progressLocked counts durably written chunks only; a claimed index whose
// write is still running is reported as missing.
func (upload *UploadSession) progressLocked() common.UploadProgress {
	missing := make([]int, 0, upload.totalChunks-len(upload.received))
	for index := 0; index < upload.totalChunks; index++ {
		if _, ok := upload.received[index]; !ok {
			missing = append(missing, index)
		}
	}
	percent := 0.0
	if upload.totalChunks > 0 {
		percent = math.Round(float64(len(upload.received))/float64(upload.totalChunks)*1000) / 10
	}
	return common.UploadProgress{
		TotalChunks:    upload.totalChunks,
		ReceivedChunks: len(upload.received),
		Progress:       percent,
		MissingChunks:  missing,
	}
}

// UploadEngine tracks all in-flight chunked uploads.
type UploadEngine struct {
	table map[string]*UploadSession
	mu    sync.RWMutex

	backend   *StorageBackend
	sessions  *SessionsStorage
	uploadTTL time.Duration

	startedCount   int64
	completedCount int64
	canceledCount  int64
	expiredCount   int64
}

func MakeUploadEngine(backend *StorageBackend, allSessions *SessionsStorage, uploadTTL time.Duration) (*UploadEngine, error) {
	return &UploadEngine{
		table:     make(map[string]*UploadSession, 64),
		backend:   backend,
		sessions:  allSessions,
		uploadTTL: uploadTTL,
	}, nil
}

func (engine *UploadEngine) GetUpload(uploadID string) *UploadSession {
	engine.mu.RLock()
	upload := engine.table[uploadID]
	engine.mu.RUnlock()
	return upload
}

func (engine *UploadEngine) ActiveCount() int64 {
	engine.mu.RLock()
	count := int64(len(engine.table))
	engine.mu.RUnlock()
	return count
}

func (engine *UploadEngine) StartedCount() int64   { return atomic.LoadInt64(&engine.startedCount) }
func (engine *UploadEngine) CompletedCount() int64 { return atomic.LoadInt64(&engine.completedCount) }
func (engine *UploadEngine) CanceledCount() int64  { return atomic.LoadInt64(&engine.canceledCount) }
func (engine *UploadEngine) ExpiredCount() int64   { return atomic.LoadInt64(&engine.expiredCount) }

// Init registers a chunked upload after the quota agrees the declared size
// fits. The quota is checked against the declaration here and against real
// bytes at completion; a liar wastes only its own chunk dir.
func (engine *UploadEngine) Init(code string, fileName string, fileSize int64, totalChunks int, mimeType string) (*UploadSession, error) {
	if !engine.sessions.IsLive(code) {
		return nil, ErrInvalidCode
	}
	if err := engine.sessions.CheckQuota(code, fileSize); err != nil {
		return nil, err
	}

	upload := &UploadSession{
		uploadID:     uuid.NewString(),
		code:         code,
		fileName:     fileName,
		totalSize:    fileSize,
		totalChunks:  totalChunks,
		mimeType:     mimeType,
		createdAt:    time.Now(),
		claimed:      make(map[int]bool, totalChunks),
		received:     make(map[int]string, totalChunks),
		lastActivity: time.Now(),
	}

	chunkDir, err := engine.backend.AllocateChunkDir(code, upload.uploadID)
	if err != nil {
		return nil, fmt.Errorf("can't create chunk dir: %v", err)
	}
	upload.chunkDir = chunkDir

	engine.mu.Lock()
	engine.table[upload.uploadID] = upload
	engine.mu.Unlock()
	atomic.AddInt64(&engine.startedCount, 1)

	logServer.Info(0, "upload initiated", "uploadID", upload.uploadID, "code", code, "size", fileSize, "chunks", totalChunks, fileName)
	return upload, nil
}

// PutChunk stores one chunk. The index is claimed under the upload mutex
// before any disk I/O: a repeated index succeeds without rewriting anything,
// two racing writers of one index can't both proceed, and a failed write
// releases the claim so the chunk can be retried.
func (engine *UploadEngine) PutChunk(uploadID string, chunkIndex int, chunk io.Reader) (common.UploadProgress, error) {
	upload := engine.GetUpload(uploadID)
	if upload == nil {
		return common.UploadProgress{}, ErrUploadNotFound
	}

	upload.mu.Lock()
	if upload.finished {
		upload.mu.Unlock()
		return common.UploadProgress{}, ErrUploadNotFound
	}
	if chunkIndex < 0 || chunkIndex >= upload.totalChunks {
		upload.mu.Unlock()
		return common.UploadProgress{}, ErrInvalidChunkIndex
	}
	upload.lastActivity = time.Now()
	if upload.claimed[chunkIndex] {
		progress := upload.progressLocked()
		upload.mu.Unlock()
		logServer.Info(1, "repeated chunk ignored", "uploadID", uploadID, "index", chunkIndex)
		return progress, nil
	}
	upload.claimed[chunkIndex] = true
	upload.mu.Unlock()

	chunkPath := engine.backend.ChunkPath(upload.code, uploadID, chunkIndex)
	if _, err := writeStream(chunkPath, chunk); err != nil {
		upload.mu.Lock()
		delete(upload.claimed, chunkIndex)
		upload.mu.Unlock()
		return common.UploadProgress{}, fmt.Errorf("can't write chunk %d: %w", chunkIndex, err)
	}

	upload.mu.Lock()
	upload.received[chunkIndex] = chunkPath
	upload.lastActivity = time.Now()
	progress := upload.progressLocked()
	upload.mu.Unlock()

	logServer.Info(1, "chunk received", "uploadID", uploadID, "index", chunkIndex, "have", progress.ReceivedChunks, "of", progress.TotalChunks)
	return progress, nil
}

// Progress reports the chunk bitmap of an in-flight upload.
func (engine *UploadEngine) Progress(uploadID string) (common.UploadProgress, error) {
	upload := engine.GetUpload(uploadID)
	if upload == nil {
		return common.UploadProgress{}, ErrUploadNotFound
	}
	upload.mu.Lock()
	progress := upload.progressLocked()
	upload.mu.Unlock()
	return progress, nil
}

// Complete assembles the chunks in index order into the session files dir.
// The finished flag makes completion exclusive against late PutChunk calls
// and a second Complete. An incomplete upload is left untouched so the
// missing chunks can still arrive; any other failure drops the chunk dir.
func (engine *UploadEngine) Complete(uploadID string) (*common.FileDescriptor, error) {
	upload := engine.GetUpload(uploadID)
	if upload == nil {
		return nil, ErrUploadNotFound
	}

	upload.mu.Lock()
	if upload.finished {
		upload.mu.Unlock()
		return nil, ErrUploadNotFound
	}
	if len(upload.received) != upload.totalChunks {
		upload.mu.Unlock()
		return nil, ErrUploadIncomplete
	}
	upload.finished = true
	upload.mu.Unlock()

	engine.mu.Lock()
	delete(engine.table, uploadID)
	engine.mu.Unlock()

	descriptor, err := engine.assemble(upload)
	if removeErr := os.RemoveAll(upload.chunkDir); removeErr != nil {
		logServer.Error("can't remove chunk dir", "uploadID", uploadID, removeErr)
	}
	if err != nil {
		logServer.Error("upload assembly failed", "uploadID", uploadID, "code", upload.code, err)
		return nil, err
	}

	atomic.AddInt64(&engine.completedCount, 1)
	engine.sessions.AccountStorage(upload.code, descriptor.Size)
	logServer.Info(0, "upload completed", "uploadID", uploadID, "code", upload.code, "size", descriptor.Size, descriptor.Name)
	return descriptor, nil
}

// assemble concatenates chunk_0..chunk_{N-1} into a pending file and commits
// it only when the byte count matches the declared size, so a mismatch never
// leaves a partial file at the final path.
func (engine *UploadEngine) assemble(upload *UploadSession) (*common.FileDescriptor, error) {
	absPath, _, downloadURL, err := engine.backend.AllocateFilePath(upload.code, upload.fileName)
	if err != nil {
		return nil, err
	}

	pending, err := renameio.TempFile("", absPath)
	if err != nil {
		return nil, err
	}
	defer pending.Cleanup()

	var assembled int64
	for index := 0; index < upload.totalChunks; index++ {
		n, err := appendChunk(pending, upload.received[index])
		if err != nil {
			return nil, fmt.Errorf("can't append chunk %d: %v", index, err)
		}
		assembled += n
	}
	if assembled != upload.totalSize {
		return nil, fmt.Errorf("%w: declared %d bytes, assembled %d", ErrSizeMismatch, upload.totalSize, assembled)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, err
	}

	return &common.FileDescriptor{
		Name:        sanitizeFileName(upload.fileName),
		Size:        assembled,
		MimeType:    upload.mimeType,
		DownloadURL: downloadURL,
	}, nil
}

func appendChunk(dst io.Writer, chunkPath string) (int64, error) {
	fd, err := os.Open(chunkPath)
	if err != nil {
		return 0, err
	}
	defer fd.Close()
	return io.Copy(dst, fd)
}

// Cancel drops the upload state and its chunk dir. Unknown ids are fine:
// canceling after complete (or after a TTL sweep) has nothing left to do.
func (engine *UploadEngine) Cancel(uploadID string) {
	engine.mu.Lock()
	upload := engine.table[uploadID]
	delete(engine.table, uploadID)
	engine.mu.Unlock()
	if upload == nil {
		return
	}

	upload.mu.Lock()
	upload.finished = true
	upload.mu.Unlock()

	if err := os.RemoveAll(upload.chunkDir); err != nil {
		logServer.Error("can't remove chunk dir", "uploadID", uploadID, err)
	}
	atomic.AddInt64(&engine.canceledCount, 1)
	logServer.Info(0, "upload canceled", "uploadID", uploadID, "code", upload.code)
}

// DeleteExpiredUploads reaps uploads idle past the TTL and uploads whose
// session is already gone (session deletion removed the tree with the chunks;
// only this state entry remained).
func (engine *UploadEngine) DeleteExpiredUploads() int64 {
	now := time.Now()
	engine.mu.Lock()
	expired := make([]*UploadSession, 0)
	for uploadID, upload := range engine.table {
		upload.mu.Lock()
		idleTooLong := now.Sub(upload.lastActivity) > engine.uploadTTL
		upload.mu.Unlock()
		if idleTooLong || !engine.sessions.IsLive(upload.code) {
			delete(engine.table, uploadID)
			expired = append(expired, upload)
		}
	}
	engine.mu.Unlock()

	for _, upload := range expired {
		upload.mu.Lock()
		upload.finished = true
		upload.mu.Unlock()
		if err := os.RemoveAll(upload.chunkDir); err != nil && !os.IsNotExist(err) {
			logServer.Error("can't remove expired chunk dir", "uploadID", upload.uploadID, err)
		}
		logServer.Info(0, "upload expired", "uploadID", upload.uploadID, "code", upload.code)
	}
	atomic.AddInt64(&engine.expiredCount, int64(len(expired)))
	return int64(len(expired))
}

// ReceiveSingleShot lands a whole file in one request, for uploads small
// enough to skip chunking. The budget is enforced while streaming: the copy
// is cut just past the allowed size, the pending file is thrown away, and
// the denial reports the usage without the rejected bytes.
func (engine *UploadEngine) ReceiveSingleShot(code string, fileName string, mimeType string, content io.Reader, maxFileSize int64) (*common.FileDescriptor, error) {
	if !engine.sessions.IsLive(code) {
		return nil, ErrInvalidCode
	}

	quotaBudget := engine.sessions.RemainingQuota(code) // -1 means unbounded
	limit := quotaBudget
	if maxFileSize >= 0 && (limit < 0 || maxFileSize < limit) {
		limit = maxFileSize
	}

	absPath, storedName, downloadURL, err := engine.backend.AllocateFilePath(code, fileName)
	if err != nil {
		return nil, err
	}

	src := content
	if limit >= 0 {
		src = io.LimitReader(content, limit+1)
	}
	n, err := writeStream(absPath, src)
	if err != nil {
		return nil, fmt.Errorf("can't save file: %w", err)
	}

	overQuota := quotaBudget >= 0 && n > quotaBudget
	overCap := maxFileSize >= 0 && n > maxFileSize
	if overQuota || overCap {
		_ = os.Remove(absPath)
		if overCap && !overQuota {
			return nil, ErrFileTooLarge
		}
		current, _, usageErr := engine.backend.SessionUsage(code)
		if usageErr != nil {
			current = 0
		}
		return nil, &QuotaExceededError{Current: current, Limit: engine.sessions.maxSessionStorage}
	}

	engine.sessions.AccountStorage(code, n)
	logServer.Info(0, "file received", "code", code, "size", n, storedName)
	return &common.FileDescriptor{
		Name:        sanitizeFileName(fileName),
		Size:        n,
		MimeType:    mimeType,
		DownloadURL: downloadURL,
	}, nil
}

// writeStream lands content under a temporary name and renames it into place,
// so a crashed request never leaves a half-written file at the final path.
func writeStream(path string, content io.Reader) (int64, error) {
	pending, err := renameio.TempFile("", path)
	if err != nil {
		return 0, err
	}
	defer pending.Cleanup()

	n, err := io.Copy(pending, content)
	if err != nil {
		return 0, err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, err
	}
	return n, nil
}
