package client

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

const (
	// DefaultChunkSize splits large uploads; below one chunk, UploadFile in a
	// single request is the better call.
	DefaultChunkSize int64 = 5 << 20
	// DefaultUploadParallelism bounds concurrent chunk requests per file.
	DefaultUploadParallelism = 4
)

// countChunks reports how many pieces of chunkSize cover fileSize, at least 1.
func countChunks(fileSize int64, chunkSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// detectMimeType guesses from the extension; the server stores the value
// verbatim and hands it back to the peer, nothing is sniffed anywhere.
func detectMimeType(fileName string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(fileName)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

// UploadFileChunked ships one file through the resumable flow: init, then
// chunks through a bounded worker pool, then complete. Chunks are cut with
// SectionReader, so workers share one open fd and no chunk is buffered
// whole. On any failure the upload is canceled server-side, leaving no
// chunk dir behind.
func (relay *RelayConnection) UploadFileChunked(code string, filePath string, chunkSize int64, parallelism int) (*common.FileDescriptor, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if parallelism <= 0 {
		parallelism = DefaultUploadParallelism
	}

	fd, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	stat, err := fd.Stat()
	if err != nil {
		return nil, err
	}

	fileName := filepath.Base(filePath)
	fileSize := stat.Size()
	totalChunks := countChunks(fileSize, chunkSize)

	uploadID, err := relay.initChunkedUpload(code, fileName, fileSize, totalChunks, detectMimeType(fileName))
	if err != nil {
		return nil, err
	}
	logClient.Info(1, "upload initiated", "uploadID", uploadID, "chunks", totalChunks, fileName)

	var g errgroup.Group
	g.SetLimit(parallelism)
	for index := 0; index < totalChunks; index++ {
		index := index
		g.Go(func() error {
			offset := int64(index) * chunkSize
			length := chunkSize
			if remain := fileSize - offset; remain < length {
				length = remain
			}
			return relay.uploadChunk(uploadID, index, io.NewSectionReader(fd, offset, length))
		})
	}
	if err := g.Wait(); err != nil {
		_ = relay.CancelUpload(uploadID)
		return nil, err
	}

	descriptor, err := relay.completeChunkedUpload(uploadID)
	if err != nil {
		_ = relay.CancelUpload(uploadID)
		return nil, err
	}
	logClient.Info(1, "uploaded", descriptor.Size, "bytes in", totalChunks, "chunks", descriptor.Name)
	return descriptor, nil
}

func (relay *RelayConnection) initChunkedUpload(code string, fileName string, fileSize int64, totalChunks int, mimeType string) (string, error) {
	body, err := jsonBody(common.UploadInitRequest{
		FileName:    fileName,
		FileSize:    fileSize,
		TotalChunks: totalChunks,
		MimeType:    mimeType,
	})
	if err != nil {
		return "", err
	}
	req, err := relay.newRequest(http.MethodPost, "/api/upload/init", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", code)

	var reply common.UploadInitReply
	if err := relay.doJSON(req, &reply); err != nil {
		return "", err
	}
	if reply.UploadID == "" {
		return "", fmt.Errorf("server returned an empty uploadId")
	}
	return reply.UploadID, nil
}

// uploadChunk posts one chunk. The id fields go into the form before the
// chunk part: the server parses the stream in order.
func (relay *RelayConnection) uploadChunk(uploadID string, chunkIndex int, chunk io.Reader) error {
	bodyReader, bodyWriter := io.Pipe()
	writer := multipart.NewWriter(bodyWriter)
	go func() {
		err := writer.WriteField("uploadId", uploadID)
		if err == nil {
			err = writer.WriteField("chunkIndex", strconv.Itoa(chunkIndex))
		}
		var part io.Writer
		if err == nil {
			part, err = writer.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", chunkIndex))
		}
		if err == nil {
			_, err = io.Copy(part, chunk)
		}
		if err == nil {
			err = writer.Close()
		}
		_ = bodyWriter.CloseWithError(err)
	}()

	req, err := relay.newRequest(http.MethodPost, "/api/upload/chunk", bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var reply common.UploadChunkReply
	if err := relay.doJSON(req, &reply); err != nil {
		return fmt.Errorf("chunk %d: %v", chunkIndex, err)
	}
	logClient.Info(2, "chunk sent", "uploadID", uploadID, "index", chunkIndex,
		"have", reply.Progress.ReceivedChunks, "of", reply.Progress.TotalChunks)
	return nil
}

func (relay *RelayConnection) completeChunkedUpload(uploadID string) (*common.FileDescriptor, error) {
	body, err := jsonBody(common.UploadCompleteRequest{UploadID: uploadID})
	if err != nil {
		return nil, err
	}
	req, err := relay.newRequest(http.MethodPost, "/api/upload/complete", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	descriptor := &common.FileDescriptor{}
	if err := relay.doJSON(req, descriptor); err != nil {
		return nil, err
	}
	return descriptor, nil
}

// UploadProgress asks the server which chunks it still misses, to resume an
// interrupted upload.
func (relay *RelayConnection) UploadProgress(uploadID string) (*common.UploadProgress, error) {
	req, err := relay.newRequest(http.MethodGet, "/api/upload/progress/"+url.PathEscape(uploadID), nil)
	if err != nil {
		return nil, err
	}
	progress := &common.UploadProgress{}
	if err := relay.doJSON(req, progress); err != nil {
		return nil, err
	}
	return progress, nil
}
