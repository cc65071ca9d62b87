package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

// RelayConnection is a handle to one cipherdrop server, wrapping its HTTP
// API: minting codes, uploading and downloading files, asking for stats.
// The live messaging half is EventChannel; both share the same base URL.
// Note that the connection carries plaintext only if the caller chose so:
// encrypting content before handing it over is the caller's job, the server
// relays whatever bytes it is given.
type RelayConnection struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func MakeRelayConnection(baseURL string) (*RelayConnection, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %v", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http(s), got %q", baseURL)
	}

	return &RelayConnection{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // uploads of large files take a while
		},
		userAgent: "cipherdrop-cli/" + common.GetVersion(),
	}, nil
}

func (relay *RelayConnection) BaseURL() string {
	return relay.baseURL
}

func (relay *RelayConnection) newRequest(method string, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, relay.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", relay.userAgent)
	return req, nil
}

// doJSON runs a request and decodes a 2xx body into out (skipped when out is
// nil); a non-2xx body is translated into the server's error message.
func (relay *RelayConnection) doJSON(req *http.Request, out interface{}) error {
	resp, err := relay.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func jsonBody(v interface{}) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErr common.APIErrorReply
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		if apiErr.Message != "" {
			return fmt.Errorf("server: %s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("server: %s", apiErr.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// MintCode asks the server for a fresh pairing code; share it with the peer
// over any channel you trust, it's the only credential of the session.
func (relay *RelayConnection) MintCode() (string, error) {
	req, err := relay.newRequest(http.MethodGet, "/api/code", nil)
	if err != nil {
		return "", err
	}
	var reply common.CodeReply
	if err := relay.doJSON(req, &reply); err != nil {
		return "", err
	}
	return reply.Code, nil
}

func (relay *RelayConnection) ServerStats() (*common.ServerStatsReply, error) {
	req, err := relay.newRequest(http.MethodGet, "/api/server/stats", nil)
	if err != nil {
		return nil, err
	}
	reply := &common.ServerStatsReply{}
	if err := relay.doJSON(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (relay *RelayConnection) SessionStorage(code string) (*common.SessionStorageReply, error) {
	req, err := relay.newRequest(http.MethodGet, "/api/session/"+url.PathEscape(code)+"/storage", nil)
	if err != nil {
		return nil, err
	}
	reply := &common.SessionStorageReply{}
	if err := relay.doJSON(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (relay *RelayConnection) CancelUpload(uploadID string) error {
	req, err := relay.newRequest(http.MethodDelete, "/api/upload/"+url.PathEscape(uploadID), nil)
	if err != nil {
		return err
	}
	return relay.doJSON(req, nil)
}

// UploadFile ships a whole file in one multipart request, streaming it from
// disk (nothing is buffered in memory). Use UploadFileChunked for files big
// enough to be worth resuming.
func (relay *RelayConnection) UploadFile(code string, filePath string) (*common.FileDescriptor, error) {
	fd, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	bodyReader, bodyWriter := io.Pipe()
	writer := multipart.NewWriter(bodyWriter)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err == nil {
			_, err = io.Copy(part, fd)
		}
		if err == nil {
			err = writer.Close()
		}
		_ = bodyWriter.CloseWithError(err)
	}()

	req, err := relay.newRequest(http.MethodPost, "/api/upload", bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Session-Id", code)

	descriptor := &common.FileDescriptor{}
	if err := relay.doJSON(req, descriptor); err != nil {
		return nil, err
	}
	logClient.Info(1, "uploaded", descriptor.Size, "bytes", descriptor.Name)
	return descriptor, nil
}
