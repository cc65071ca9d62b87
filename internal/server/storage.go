package server

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StorageBackend owns the directory tree under a single configured root.
// Every session occupies a disjoint subtree:
//
//	<root>/<code>/files/<timestamp>-<sanitized-name>
//	<root>/<code>/chunks/<uploadID>/chunk_<index>
//
// so no cross-session locking is needed. The server never inspects file
// contents: clients encrypt before uploading, and everything under files/
// is opaque ciphertext to us.
type StorageBackend struct {
	rootDir string
	baseURL string // optional absolute prefix for download URLs
}

func MakeStorageBackend(rootDir string, baseURL string) (*StorageBackend, error) {
	if err := os.MkdirAll(rootDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("can't create storage root: %v", err)
	}
	return &StorageBackend{
		rootDir: rootDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// isSafePathComponent rejects anything that could navigate outside its
// directory when joined into a path: separators, "..", empty names.
func isSafePathComponent(s string) bool {
	if s == "" || s == "." {
		return false
	}
	if strings.ContainsAny(s, "/\\") {
		return false
	}
	return !strings.Contains(s, "..")
}

// isSafeStoredName accepts a single stored file name. Unlike codes, stored
// names derive from real file names, which may carry ".." inside
// ("report..final.pdf" is legitimate and must stay downloadable); traversal
// needs a separator or an exact dot entry, and only those are rejected.
func isSafeStoredName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

// sanitizeFileName reduces a caller-supplied (untrusted) file name to a plain
// base name without control characters. An empty result falls back to "file".
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case r == '/' || r == '\\' || r == ':':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), " .")
	if cleaned == "" {
		return "file"
	}
	return cleaned
}

func (backend *StorageBackend) sessionDir(code string) string {
	return filepath.Join(backend.rootDir, code)
}

func (backend *StorageBackend) filesDir(code string) string {
	return filepath.Join(backend.rootDir, code, "files")
}

func (backend *StorageBackend) chunksDir(code string) string {
	return filepath.Join(backend.rootDir, code, "chunks")
}

// CreateSessionTree prepares <root>/<code>/{files,chunks}. Idempotent.
func (backend *StorageBackend) CreateSessionTree(code string) error {
	if !isSafePathComponent(code) {
		return ErrInvalidName
	}
	if err := os.MkdirAll(backend.filesDir(code), os.ModePerm); err != nil {
		return err
	}
	return os.MkdirAll(backend.chunksDir(code), os.ModePerm)
}

// DeleteSessionTree removes the whole session subtree. Missing trees are fine.
func (backend *StorageBackend) DeleteSessionTree(code string) error {
	if !isSafePathComponent(code) {
		return ErrInvalidName
	}
	return os.RemoveAll(backend.sessionDir(code))
}

// AllocateFilePath picks the on-disk name and download URL for an incoming
// file. The millisecond prefix keeps equal names from colliding within a
// session; the file itself is not created here.
func (backend *StorageBackend) AllocateFilePath(code string, originalName string) (absPath string, storedName string, downloadURL string, err error) {
	if !isSafePathComponent(code) {
		return "", "", "", ErrInvalidName
	}
	sanitized := sanitizeFileName(originalName)
	ms := time.Now().UnixMilli()
	for {
		storedName = fmt.Sprintf("%d-%s", ms, sanitized)
		absPath = filepath.Join(backend.filesDir(code), storedName)
		if _, statErr := os.Lstat(absPath); os.IsNotExist(statErr) {
			break
		}
		ms++ // the same name arrived twice within one millisecond
	}
	downloadURL = fmt.Sprintf("%s/downloads/%s/%s", backend.baseURL, code, url.PathEscape(storedName))
	return absPath, storedName, downloadURL, nil
}

// AllocateChunkDir creates <root>/<code>/chunks/<uploadID>/ for an upload.
func (backend *StorageBackend) AllocateChunkDir(code string, uploadID string) (string, error) {
	if !isSafePathComponent(code) || !isSafePathComponent(uploadID) {
		return "", ErrInvalidName
	}
	dir := filepath.Join(backend.chunksDir(code), uploadID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", err
	}
	return dir, nil
}

func (backend *StorageBackend) ChunkPath(code string, uploadID string, index int) string {
	return filepath.Join(backend.chunksDir(code), uploadID, fmt.Sprintf("chunk_%d", index))
}

// SessionUsage scans the session tree. Bytes cover completed files plus
// in-flight chunks (both occupy disk); the file count covers files/ only.
func (backend *StorageBackend) SessionUsage(code string) (usedBytes int64, fileCount int64, err error) {
	if !isSafePathComponent(code) {
		return 0, 0, ErrInvalidName
	}
	sumTree := func(dir string, countFiles bool) error {
		return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if os.IsNotExist(walkErr) {
					return nil
				}
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			usedBytes += info.Size()
			if countFiles {
				fileCount++
			}
			return nil
		})
	}
	if err = sumTree(backend.filesDir(code), true); err != nil {
		return 0, 0, err
	}
	if err = sumTree(backend.chunksDir(code), false); err != nil {
		return 0, 0, err
	}
	return usedBytes, fileCount, nil
}

// SweepOrphans deletes every child directory of the root whose name is not a
// live pairing code. Crashed runs leave such trees behind; failures here are
// logged and retried on the next cron pass.
// Trees younger than orphanMinAge are spared: they may belong to a session
// minted after the caller took its liveCodes snapshot.
func (backend *StorageBackend) SweepOrphans(liveCodes map[string]bool) {
	const orphanMinAge = time.Minute

	entries, err := os.ReadDir(backend.rootDir)
	if err != nil {
		logServer.Error("can't scan storage root", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || liveCodes[entry.Name()] {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil || time.Since(info.ModTime()) < orphanMinAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(backend.rootDir, entry.Name())); err != nil {
			logServer.Error("can't remove orphan session tree", entry.Name(), err)
			continue
		}
		logServer.Info(1, "removed orphan session tree", entry.Name())
	}
}

// Open resolves a stored file for download serving. Both components come
// straight from the request path, so they are checked for traversal and the
// canonical path is verified to still lie under <root>/<code>/files/.
func (backend *StorageBackend) Open(code string, storedName string) (*os.File, os.FileInfo, error) {
	if !isSafePathComponent(code) || !isSafeStoredName(storedName) {
		return nil, nil, ErrInvalidName
	}
	baseDir, err := filepath.EvalSymlinks(backend.filesDir(code))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, err
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(baseDir, storedName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, err
	}
	if !strings.HasPrefix(resolved, baseDir+string(filepath.Separator)) {
		return nil, nil, ErrInvalidName
	}
	fd, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, err
	}
	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = fd.Close()
		return nil, nil, ErrFileNotFound
	}
	return fd, info, nil
}
