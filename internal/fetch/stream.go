// Package fetch streams a remote image over one keep-alive connection using
// consecutive Range requests, so a slow consumer never holds a single long
// response open.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultRequestSize = 8 * 1024
	DefaultTimeout     = 30 * time.Second
)

var (
	// ErrTransport wraps dial, TLS, timeout and read failures.
	ErrTransport = errors.New("image transfer failed")
	// ErrUnexpectedStatus is returned for anything but 200/206.
	ErrUnexpectedStatus = errors.New("unexpected response from image server")
	// ErrBadRange is returned when Content-Range does not match the request.
	ErrBadRange = errors.New("invalid content range")
)

// Options configures a Stream.
type Options struct {
	RequestSize int64
	Timeout     time.Duration
	UserAgent   string
	HTTPClient  *http.Client
}

// Stream is an io.ReadCloser over a remote image.
type Stream struct {
	ctx       context.Context
	client    *http.Client
	url       string
	userAgent string
	reqSize   int64
	logger    *logger.Logger

	size     int64
	offset   int64
	body     io.ReadCloser
	ranged   bool
	lastLen  int64
	lastRead int64
	eof      bool
	requests int
}

// Open issues the first request and learns the image size when the server
// reports it.
func Open(ctx context.Context, url string, opts Options, log *logger.Logger) (*Stream, error) {
	if opts.RequestSize <= 0 {
		opts.RequestSize = DefaultRequestSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	s := &Stream{
		ctx:       ctx,
		client:    client,
		url:       url,
		userAgent: opts.UserAgent,
		reqSize:   opts.RequestSize,
		logger:    log,
		size:      -1,
	}
	if err := s.next(); err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{
		"url":    url,
		"size":   s.size,
		"ranged": s.ranged,
	}).Info("Image stream opened")
	return s, nil
}

// Size returns the advertised image size, or -1 when the server did not say.
func (s *Stream) Size() int64 {
	return s.size
}

// Received returns the number of bytes handed to the reader so far.
func (s *Stream) Received() int64 {
	return s.offset
}

// Complete reports whether the whole image has been delivered.
func (s *Stream) Complete() bool {
	if s.size >= 0 {
		return s.offset == s.size
	}
	return s.eof
}

// Requests returns how many HTTP requests the stream issued.
func (s *Stream) Requests() int {
	return s.requests
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.eof {
			return 0, io.EOF
		}
		if s.body == nil {
			if err := s.next(); err != nil {
				return 0, err
			}
			continue
		}

		n, err := s.body.Read(p)
		s.offset += int64(n)
		s.lastRead += int64(n)

		if err == nil {
			return n, nil
		}
		if !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		s.closeBody()
		if s.finished() {
			s.eof = true
		} else if s.lastRead == 0 {
			return 0, fmt.Errorf("%w: empty range at offset %d", ErrTransport, s.offset)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// finished decides, after one response body ended, whether the image ended too.
func (s *Stream) finished() bool {
	if !s.ranged {
		return true
	}
	if s.size >= 0 {
		return s.offset >= s.size
	}
	// unknown total: a short range is the last one
	return s.lastRead < s.lastLen
}

// next requests the range starting at the current offset.
func (s *Stream) next() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedStatus, err)
	}
	end := s.offset + s.reqSize - 1
	if s.size >= 0 && end >= s.size {
		end = s.size - 1
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.offset, end))
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	s.requests++
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			drain(resp.Body)
			return err
		}
		if start != s.offset {
			drain(resp.Body)
			return fmt.Errorf("%w: asked for offset %d, got %d", ErrBadRange, s.offset, start)
		}
		if total >= 0 {
			s.size = total
		}
		s.ranged = true
		s.lastLen = end - s.offset + 1
		s.lastRead = 0
		s.body = resp.Body
		return nil

	case http.StatusOK:
		if s.offset != 0 {
			drain(resp.Body)
			return fmt.Errorf("%w: server ignored range at offset %d", ErrBadRange, s.offset)
		}
		s.ranged = false
		s.size = resp.ContentLength
		s.body = resp.Body
		return nil

	case http.StatusRequestedRangeNotSatisfiable:
		drain(resp.Body)
		// past the end of an image of unknown size
		if s.ranged && s.offset > 0 {
			s.eof = true
			return nil
		}
		return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)

	default:
		drain(resp.Body)
		return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

func (s *Stream) closeBody() {
	if s.body != nil {
		drain(s.body)
		s.body = nil
	}
}

// Close releases the current response. The connection stays in the pool.
func (s *Stream) Close() error {
	s.closeBody()
	s.logger.WithFields(logger.Fields{
		"received": s.offset,
		"requests": s.requests,
	}).Debug("Image stream closed")
	return nil
}

// drain empties the body so the keep-alive connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

// parseContentRange reads "bytes start-end/total". total is -1 for "*".
func parseContentRange(v string) (start, total int64, err error) {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, v)
	}
	rng, size, ok := strings.Cut(ranges, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, v)
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, v)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, v)
	}
	if size == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, v)
	}
	return start, total, nil
}
