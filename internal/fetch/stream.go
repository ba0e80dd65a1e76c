// Package fetch streams firmware images over HTTP straight into an update
// session, without staging them on disk.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/librescoot/fota-service/internal/fota"
)

const (
	DefaultChunkSize        = 4096
	DefaultProgressInterval = 5 * time.Second
	DefaultMaxRetries       = 5
)

// ProgressCallback is called during download to report progress
// downloaded: bytes handed to the session so far
// total: total bytes to download (0 if unknown)
type ProgressCallback func(downloaded, total int64)

// Streamer feeds HTTP response bodies to fota.Handlers chunk by chunk
type Streamer struct {
	client           *http.Client
	logger           *log.Logger
	chunkSize        int
	progressInterval time.Duration
	maxRetries       int
	newBackOff       func() backoff.BackOff
}

// Option configures a Streamer
type Option func(*Streamer)

// WithChunkSize sets the size of the reads handed to Write.
func WithChunkSize(n int) Option {
	return func(s *Streamer) {
		s.chunkSize = n
	}
}

// WithProgressInterval sets how often progress is reported.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Streamer) {
		s.progressInterval = d
	}
}

// WithMaxRetries sets how many times a failed connection is retried.
func WithMaxRetries(n int) Option {
	return func(s *Streamer) {
		s.maxRetries = n
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Streamer) {
		s.client = c
	}
}

// WithBackOff sets the retry policy used between connection attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Streamer) {
		s.newBackOff = fn
	}
}

// NewStreamer creates a new streamer instance
func NewStreamer(logger *log.Logger, opts ...Option) *Streamer {
	s := &Streamer{
		client:           newHTTPClient(),
		logger:           logger,
		chunkSize:        DefaultChunkSize,
		progressInterval: DefaultProgressInterval,
		maxRetries:       DefaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 {
		panic(fmt.Sprintf("fetch: invalid chunk size %d", s.chunkSize))
	}
	return s
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		// Timeout for establishing TCP connections
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 30 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		// No timeout here - we'll handle timeouts through context
		Timeout: 0,
	}
}

// connect issues the GET, retrying transport failures and server errors.
func (s *Streamer) connect(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	op := func() error {
		attempt++
		s.logger.Printf("Starting download attempt %d/%d", attempt, s.maxRetries+1)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error creating request: %w", err))
		}

		r, err := s.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return fmt.Errorf("server error: %d", r.StatusCode)
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("unexpected status code: %d", r.StatusCode))
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxRetries)), ctx)
	notify := func(err error, d time.Duration) {
		s.logger.Printf("Error downloading firmware (attempt %d/%d): %v", attempt, s.maxRetries+1, err)
		s.logger.Printf("Waiting %v before retry...", d)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("error downloading firmware after %d attempts: %w", attempt, err)
	}
	return resp, nil
}

// Stream downloads url into h. The session is opened once the server
// answered, every chunk read is written through, and the session is
// finished at EOF. Any other failure resets the session.
func (s *Streamer) Stream(ctx context.Context, url string, h fota.Handlers, progress ProgressCallback) error {
	resp, err := s.connect(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := h.Open(url, resp.Header.Get("ETag")); err != nil {
		return fmt.Errorf("failed to open update session: %w", err)
	}

	var total int64
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	buf := make([]byte, s.chunkSize)
	var written int64
	start := time.Now()
	lastProgressReport := start

	for {
		if err := ctx.Err(); err != nil {
			h.Reset()
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := h.Write(buf[:n]); err != nil {
				h.Reset()
				return fmt.Errorf("failed to write firmware at byte %d: %w", written, err)
			}
			written += int64(n)

			if time.Since(lastProgressReport) > s.progressInterval {
				if total > 0 {
					s.logger.Printf("Downloaded %d / %d bytes (%.1f%%)", written, total, float64(written)/float64(total)*100)
				} else {
					s.logger.Printf("Downloaded %d bytes (size unknown)", written)
				}
				lastProgressReport = time.Now()
				if progress != nil {
					progress(written, total)
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			h.Reset()
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("error reading response: %w", readErr)
		}
	}

	s.logger.Printf("Download complete, %d bytes in %v", written, time.Since(start).Round(time.Millisecond))
	if progress != nil {
		progress(written, total)
	}

	if err := h.Finish(); err != nil {
		return fmt.Errorf("failed to finish update session: %w", err)
	}
	return nil
}
