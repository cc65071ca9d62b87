package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestEngine(t *testing.T, maxSessionStorage int64, uploadTTL time.Duration) (*UploadEngine, *SessionsStorage, *StorageBackend, string) {
	backend, err := MakeStorageBackend(t.TempDir(), "")
	require.NoError(t, err)
	allSessions, err := MakeSessionsStorage(backend, -1, maxSessionStorage, time.Minute, time.Minute)
	require.NoError(t, err)
	engine, err := MakeUploadEngine(backend, allSessions, uploadTTL)
	require.NoError(t, err)
	code, err := allSessions.CreateSession()
	require.NoError(t, err)
	return engine, allSessions, backend, code
}

func readSoleStoredFile(t *testing.T, backend *StorageBackend, code string) []byte {
	t.Helper()
	entries, err := os.ReadDir(backend.filesDir(code))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(backend.filesDir(code), entries[0].Name()))
	require.NoError(t, err)
	return content
}

func TestChunkedUploadAssemblesInIndexOrder(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "data.bin", 15, 3, "application/octet-stream")
	require.NoError(t, err)

	chunks := [][]byte{[]byte("aaaaa"), []byte("bbbbb"), []byte("ccccc")}
	progress, err := engine.PutChunk(upload.uploadID, 2, bytes.NewReader(chunks[2]))
	require.NoError(t, err)
	assert.Equal(t, 1, progress.ReceivedChunks)
	assert.Equal(t, 33.3, progress.Progress)
	assert.Equal(t, []int{0, 1}, progress.MissingChunks)

	_, err = engine.PutChunk(upload.uploadID, 0, bytes.NewReader(chunks[0]))
	require.NoError(t, err)
	progress, err = engine.PutChunk(upload.uploadID, 1, bytes.NewReader(chunks[1]))
	require.NoError(t, err)
	assert.Equal(t, 100.0, progress.Progress)
	assert.Empty(t, progress.MissingChunks)

	descriptor, err := engine.Complete(upload.uploadID)
	require.NoError(t, err)
	assert.Equal(t, "data.bin", descriptor.Name)
	assert.EqualValues(t, 15, descriptor.Size)
	assert.Contains(t, descriptor.DownloadURL, "/downloads/"+code+"/")
	assert.Equal(t, "aaaaabbbbbccccc", string(readSoleStoredFile(t, backend, code)))

	assert.Nil(t, engine.GetUpload(upload.uploadID))
	assert.NoDirExists(t, upload.chunkDir)
	assert.EqualValues(t, 1, engine.CompletedCount())
}

func TestRepeatedChunkDoesNotRewrite(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "one.bin", 3, 1, "application/octet-stream")
	require.NoError(t, err)

	_, err = engine.PutChunk(upload.uploadID, 0, strings.NewReader("abc"))
	require.NoError(t, err)
	progress, err := engine.PutChunk(upload.uploadID, 0, strings.NewReader("XYZ"))
	require.NoError(t, err)
	assert.Equal(t, 1, progress.ReceivedChunks)

	_, err = engine.Complete(upload.uploadID)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(readSoleStoredFile(t, backend, code)))
}

func TestPutChunkIndexBounds(t *testing.T) {
	engine, _, _, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "data.bin", 9, 3, "application/octet-stream")
	require.NoError(t, err)

	_, err = engine.PutChunk(upload.uploadID, -1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)
	_, err = engine.PutChunk(upload.uploadID, 3, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)
	_, err = engine.PutChunk("no-such-upload", 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestCompleteRequiresAllChunks(t *testing.T) {
	engine, _, _, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "data.bin", 9, 3, "application/octet-stream")
	require.NoError(t, err)
	_, err = engine.PutChunk(upload.uploadID, 0, strings.NewReader("aaa"))
	require.NoError(t, err)
	_, err = engine.PutChunk(upload.uploadID, 1, strings.NewReader("bbb"))
	require.NoError(t, err)

	_, err = engine.Complete(upload.uploadID)
	assert.ErrorIs(t, err, ErrUploadIncomplete)
	require.NotNil(t, engine.GetUpload(upload.uploadID), "an incomplete upload must stay resumable")

	_, err = engine.PutChunk(upload.uploadID, 2, strings.NewReader("ccc"))
	require.NoError(t, err)
	_, err = engine.Complete(upload.uploadID)
	require.NoError(t, err)

	// the second complete has nothing to work on
	_, err = engine.Complete(upload.uploadID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestSizeMismatchLeavesNoFileBehind(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "liar.bin", 100, 1, "application/octet-stream")
	require.NoError(t, err)
	_, err = engine.PutChunk(upload.uploadID, 0, strings.NewReader("abc"))
	require.NoError(t, err)

	_, err = engine.Complete(upload.uploadID)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	entries, err := os.ReadDir(backend.filesDir(code))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Nil(t, engine.GetUpload(upload.uploadID))
	assert.NoDirExists(t, upload.chunkDir)
}

func TestParallelChunkWriters(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, -1, time.Hour)

	const totalChunks = 40
	upload, err := engine.Init(code, "big.bin", totalChunks*4, totalChunks, "application/octet-stream")
	require.NoError(t, err)

	// two writers per index race for the claim; both carry the same bytes
	var wg sync.WaitGroup
	for index := 0; index < totalChunks; index++ {
		for writer := 0; writer < 2; writer++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				_, err := engine.PutChunk(upload.uploadID, index, strings.NewReader(fmt.Sprintf("%04d", index)))
				assert.NoError(t, err)
			}(index)
		}
	}
	wg.Wait()

	descriptor, err := engine.Complete(upload.uploadID)
	require.NoError(t, err)
	assert.EqualValues(t, totalChunks*4, descriptor.Size)

	var expected strings.Builder
	for index := 0; index < totalChunks; index++ {
		fmt.Fprintf(&expected, "%04d", index)
	}
	assert.Equal(t, expected.String(), string(readSoleStoredFile(t, backend, code)))
}

func TestCancelDropsStateAndChunks(t *testing.T) {
	engine, _, _, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "data.bin", 3, 1, "application/octet-stream")
	require.NoError(t, err)
	_, err = engine.PutChunk(upload.uploadID, 0, strings.NewReader("abc"))
	require.NoError(t, err)

	engine.Cancel(upload.uploadID)
	assert.Nil(t, engine.GetUpload(upload.uploadID))
	assert.NoDirExists(t, upload.chunkDir)
	assert.EqualValues(t, 1, engine.CanceledCount())

	engine.Cancel(upload.uploadID) // unknown id, nothing to do
	_, err = engine.PutChunk(upload.uploadID, 0, strings.NewReader("abc"))
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestIdleUploadsExpireByTTL(t *testing.T) {
	engine, _, _, code := makeTestEngine(t, -1, 50*time.Millisecond)

	stale, err := engine.Init(code, "stale.bin", 3, 1, "application/octet-stream")
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	fresh, err := engine.Init(code, "fresh.bin", 3, 1, "application/octet-stream")
	require.NoError(t, err)

	assert.EqualValues(t, 1, engine.DeleteExpiredUploads())
	assert.Nil(t, engine.GetUpload(stale.uploadID))
	assert.NotNil(t, engine.GetUpload(fresh.uploadID))
	assert.NoDirExists(t, stale.chunkDir)
	assert.EqualValues(t, 1, engine.ExpiredCount())
}

func TestUploadsOfDeadSessionsAreReaped(t *testing.T) {
	engine, allSessions, _, code := makeTestEngine(t, -1, time.Hour)

	upload, err := engine.Init(code, "data.bin", 3, 1, "application/octet-stream")
	require.NoError(t, err)

	require.True(t, allSessions.deleteSessionIfIdle(allSessions.GetSession(code)))
	assert.EqualValues(t, 1, engine.DeleteExpiredUploads())
	assert.Nil(t, engine.GetUpload(upload.uploadID))
}

func TestInitValidation(t *testing.T) {
	engine, _, _, code := makeTestEngine(t, 10, time.Hour)

	_, err := engine.Init("NOPE42", "data.bin", 3, 1, "application/octet-stream")
	assert.ErrorIs(t, err, ErrInvalidCode)

	var quotaErr *QuotaExceededError
	_, err = engine.Init(code, "data.bin", 11, 1, "application/octet-stream")
	require.True(t, errors.As(err, &quotaErr))
	assert.EqualValues(t, 10, quotaErr.Limit)

	_, err = engine.Init(code, "data.bin", 10, 1, "application/octet-stream")
	assert.NoError(t, err)
}

func TestReceiveSingleShotStoresFile(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, -1, time.Hour)

	descriptor, err := engine.ReceiveSingleShot(code, "notes.txt", "text/plain", strings.NewReader("hello world"), -1)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", descriptor.Name)
	assert.EqualValues(t, 11, descriptor.Size)
	assert.Equal(t, "text/plain", descriptor.MimeType)
	assert.Equal(t, "hello world", string(readSoleStoredFile(t, backend, code)))

	usedBytes, fileCount, err := backend.SessionUsage(code)
	require.NoError(t, err)
	assert.EqualValues(t, 11, usedBytes)
	assert.EqualValues(t, 1, fileCount)
}

func TestReceiveSingleShotQuotaDenialKeepsNothing(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, 10, time.Hour)

	var quotaErr *QuotaExceededError
	_, err := engine.ReceiveSingleShot(code, "big.bin", "application/octet-stream", strings.NewReader("twenty bytes oh nooo"), -1)
	require.True(t, errors.As(err, &quotaErr))
	assert.EqualValues(t, 0, quotaErr.Current)
	assert.EqualValues(t, 10, quotaErr.Limit)

	entries, err := os.ReadDir(backend.filesDir(code))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceiveSingleShotRespectsFileCap(t *testing.T) {
	engine, _, backend, code := makeTestEngine(t, -1, time.Hour)

	_, err := engine.ReceiveSingleShot(code, "big.bin", "application/octet-stream", strings.NewReader("0123456789"), 5)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	entries, err := os.ReadDir(backend.filesDir(code))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceiveSingleShotQuotaCountsExistingBytes(t *testing.T) {
	engine, _, _, code := makeTestEngine(t, 100, time.Hour)

	_, err := engine.ReceiveSingleShot(code, "first.bin", "application/octet-stream", strings.NewReader(strings.Repeat("a", 95)), -1)
	require.NoError(t, err)

	var quotaErr *QuotaExceededError
	_, err = engine.ReceiveSingleShot(code, "second.bin", "application/octet-stream", strings.NewReader("0123456789"), -1)
	require.True(t, errors.As(err, &quotaErr))
	assert.EqualValues(t, 95, quotaErr.Current)
	assert.EqualValues(t, 100, quotaErr.Limit)
}
