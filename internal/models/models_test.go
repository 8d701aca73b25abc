package models

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"
)

func TestByteCounter_Write(t *testing.T) {
	tests := []struct {
		name      string
		writes    [][]byte
		wantCount int64
		wantData  string
	}{
		{
			name:      "single write",
			writes:    [][]byte{[]byte("hello")},
			wantCount: 5,
			wantData:  "hello",
		},
		{
			name:      "multiple writes",
			writes:    [][]byte{[]byte("hello"), []byte(" "), []byte("world")},
			wantCount: 11,
			wantData:  "hello world",
		},
		{
			name:      "empty write",
			writes:    [][]byte{[]byte("")},
			wantCount: 0,
			wantData:  "",
		},
		{
			name:      "binary data",
			writes:    [][]byte{{0x00, 0x01, 0x02, 0x03}},
			wantCount: 4,
			wantData:  "\x00\x01\x02\x03",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			bc := &ByteCounter{Writer: &buf}

			for _, data := range tt.writes {
				n, err := bc.Write(data)
				if err != nil {
					t.Errorf("Write() error = %v", err)
				}
				if n != len(data) {
					t.Errorf("Write() returned %d, want %d", n, len(data))
				}
			}

			if bc.Count() != tt.wantCount {
				t.Errorf("ByteCounter.Count() = %d, want %d", bc.Count(), tt.wantCount)
			}

			if got := buf.String(); got != tt.wantData {
				t.Errorf("Buffer contents = %q, want %q", got, tt.wantData)
			}
		})
	}
}

func TestByteCounter_Concurrent(t *testing.T) {
	bc := &ByteCounter{Writer: io.Discard}

	data := []byte("test")
	const workers, iterations = 8, 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				bc.Write(data)
			}
		}()
	}
	wg.Wait()

	expectedCount := int64(len(data) * workers * iterations)
	if bc.Count() != expectedCount {
		t.Errorf("ByteCounter.Count() = %d, want %d", bc.Count(), expectedCount)
	}
}

func TestDownloadRequest_FullPathPresence(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantPresent bool
		wantPath    string
	}{
		{name: "missing key", body: `{"bucket_name":"b"}`, wantPresent: false},
		{name: "null value", body: `{"bucket_name":"b","full_path":null}`, wantPresent: false},
		{name: "empty string", body: `{"bucket_name":"b","full_path":""}`, wantPresent: true, wantPath: ""},
		{name: "folder", body: `{"bucket_name":"b","full_path":"path/to/sub_folder"}`, wantPresent: true, wantPath: "path/to/sub_folder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req DownloadRequest
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if (req.FullPath != nil) != tt.wantPresent {
				t.Fatalf("FullPath present = %v, want %v", req.FullPath != nil, tt.wantPresent)
			}
			if req.FullPath != nil && *req.FullPath != tt.wantPath {
				t.Errorf("FullPath = %q, want %q", *req.FullPath, tt.wantPath)
			}
		})
	}
}
