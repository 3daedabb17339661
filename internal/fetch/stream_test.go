package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

func payload(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(b)
	return b
}

func rangedServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "firmware.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestStreamRanged(t *testing.T) {
	data := payload(20000)
	ts := rangedServer(t, data)

	s, err := Open(context.Background(), ts.URL, Options{RequestSize: 4096}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(len(data)), s.Size())

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Complete())
	assert.Equal(t, int64(len(data)), s.Received())
	assert.Equal(t, 5, s.Requests())
}

func TestStreamExactMultipleOfRequestSize(t *testing.T) {
	data := payload(8192)
	ts := rangedServer(t, data)

	s, err := Open(context.Background(), ts.URL, Options{RequestSize: 4096}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Complete())
	assert.Equal(t, 2, s.Requests())
}

func TestStreamServerIgnoresRange(t *testing.T) {
	data := payload(10000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer ts.Close()

	s, err := Open(context.Background(), ts.URL, Options{RequestSize: 1024}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Complete())
	assert.Equal(t, 1, s.Requests())
}

func TestStreamUnknownSize(t *testing.T) {
	data := payload(5000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// flushing before the body is done forces chunked encoding
		w.Write(data[:100])
		w.(http.Flusher).Flush()
		w.Write(data[100:])
	}))
	defer ts.Close()

	s, err := Open(context.Background(), ts.URL, Options{}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(-1), s.Size())
	assert.False(t, s.Complete())

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Complete())
}

// starServer answers ranges without telling the total ("bytes a-b/*") and
// 416 past the end.
func starServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if start >= len(data) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestStreamRangedUnknownTotal(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		requests int
	}{
		{"ends on 416", 8192, 3},
		{"ends on short range", 9000, 3},
		{"single short range", 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := payload(tt.size)
			ts := starServer(t, data)

			s, err := Open(context.Background(), ts.URL, Options{RequestSize: 4096}, logger.NewNop())
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, int64(-1), s.Size())
			assert.False(t, s.Complete())

			got, err := io.ReadAll(s)
			require.NoError(t, err)
			assert.Equal(t, data, got)
			assert.True(t, s.Complete())
			assert.Equal(t, int64(tt.size), s.Received())
			assert.Equal(t, tt.requests, s.Requests())
		})
	}
}

func TestStreamFailsMidway(t *testing.T) {
	data := payload(16384)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "firmware.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer ts.Close()

	s, err := Open(context.Background(), ts.URL, Options{RequestSize: 4096}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	assert.Len(t, got, 4096)
	assert.False(t, s.Complete())
}

func TestOpenRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := Open(context.Background(), ts.URL, Options{}, logger.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestOpenTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := Open(context.Background(), url, Options{}, logger.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in        string
		wantStart int64
		wantTotal int64
		wantErr   bool
	}{
		{"bytes 0-1023/4096", 0, 4096, false},
		{"bytes 1024-2047/*", 1024, -1, false},
		{" bytes 5-9/10 ", 5, 10, false},
		{"bytes */4096", 0, 0, true},
		{"items 0-1/2", 0, 0, true},
		{"bytes 0-1", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, total, err := parseContentRange(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}
