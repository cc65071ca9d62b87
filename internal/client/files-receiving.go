package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/dreamhartley/CipherDrop/internal/common"
)

// DownloadToFile fetches a stored file into outFile. The body streams into a
// temporary file that is renamed into place only after the byte count checks
// out against Content-Length, so an interrupted download never leaves a
// truncated outFile.
// downloadURL comes from a FileDescriptor: either absolute (the server was
// started with -base-url) or server-relative like /downloads/<code>/<name>.
func (relay *RelayConnection) DownloadToFile(downloadURL string, outFile string) (int64, error) {
	if strings.HasPrefix(downloadURL, "/") {
		downloadURL = relay.baseURL + downloadURL
	}

	req, err := http.NewRequest(http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", relay.userAgent)

	resp, err := relay.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeAPIError(resp)
	}

	if err := common.MkdirForFile(outFile); err != nil {
		return 0, err
	}
	pending, err := renameio.TempFile("", outFile)
	if err != nil {
		return 0, err
	}
	defer pending.Cleanup()

	written, err := io.Copy(pending, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("download interrupted after %d bytes: %v", written, err)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return 0, fmt.Errorf("size mismatch: got %d bytes, expected %d", written, resp.ContentLength)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, err
	}

	logClient.Info(1, "downloaded", written, "bytes", outFile)
	return written, nil
}
