// Package sink posts event batches to the HTTP event sink.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"

	"simlab-telemetry/internal/telemetry"
	"simlab-telemetry/internal/telemetry/domain"
)

// DefaultTimeout bounds one upload when no client is supplied.
const DefaultTimeout = 10 * time.Second

// TokenSource supplies the bearer token sent with each upload. An empty token sends no
// Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// StatusError is returned when the sink answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sink: status %d", e.StatusCode)
	}
	return fmt.Sprintf("sink: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the upload may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Options configures an HTTPSink.
type Options struct {
	Client *http.Client
	Token  TokenSource
	// Gzip compresses request bodies.
	Gzip bool
}

// HTTPSink delivers batches as JSON {session_id, events} over HTTP POST.
type HTTPSink struct {
	url    string
	client *http.Client
	token  TokenSource
	gzip   bool
}

var _ telemetry.BatchSink = (*HTTPSink)(nil)

// New returns a sink posting to rawURL.
func New(rawURL string, opts Options) (*HTTPSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sink: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sink: unsupported scheme %q", u.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSink{url: u.String(), client: client, token: opts.Token, gzip: opts.Gzip}, nil
}

// URL returns the endpoint batches are posted to.
func (s *HTTPSink) URL() string { return s.url }

// Deliver posts batch. Any outcome other than a 2xx response is an error.
func (s *HTTPSink) Deliver(ctx context.Context, batch *domain.Batch) error {
	if batch == nil {
		return errors.New("sink: nil batch")
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("sink: encode batch: %w", err)
	}
	if s.gzip {
		if body, err = compress(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if s.token != nil {
		tok, err := s.token.Token(ctx)
		if err != nil {
			return fmt.Errorf("sink: token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("sink: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("sink: gzip: %w", err)
	}
	return buf.Bytes(), nil
}
