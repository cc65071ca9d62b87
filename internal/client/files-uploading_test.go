package client

import (
	"strings"
	"testing"
)

func TestCountChunks(t *testing.T) {
	tests := []struct {
		fileSize  int64
		chunkSize int64
		chunks    int
	}{
		{fileSize: 0, chunkSize: 5, chunks: 1},
		{fileSize: 1, chunkSize: 5, chunks: 1},
		{fileSize: 5, chunkSize: 5, chunks: 1},
		{fileSize: 6, chunkSize: 5, chunks: 2},
		{fileSize: 10, chunkSize: 5, chunks: 2},
		{fileSize: 11, chunkSize: 5, chunks: 3},
		{fileSize: 100 << 20, chunkSize: DefaultChunkSize, chunks: 20},
	}
	for _, test := range tests {
		if got := countChunks(test.fileSize, test.chunkSize); got != test.chunks {
			t.Errorf("countChunks(%d, %d) = %d, want %d", test.fileSize, test.chunkSize, got, test.chunks)
		}
	}
}

func TestDetectMimeType(t *testing.T) {
	// the builtin table is exact for these; system mime.types may append
	// parameters to text types, so only the prefix is pinned there
	if got := detectMimeType("photo.png"); got != "image/png" {
		t.Errorf("detectMimeType(photo.png) = %q", got)
	}
	if got := detectMimeType("notes.txt"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("detectMimeType(notes.txt) = %q", got)
	}
	if got := detectMimeType("blob.no-such-ext-427"); got != "application/octet-stream" {
		t.Errorf("detectMimeType fallback = %q", got)
	}
	if got := detectMimeType("no_extension"); got != "application/octet-stream" {
		t.Errorf("detectMimeType without extension = %q", got)
	}
}
