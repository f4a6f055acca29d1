package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	HeaderSignature = "X-Ledger-Signature"
	HeaderTimestamp = "X-Ledger-Timestamp"

	maxResultBytes = 10 << 20
)

// ErrGeneratorRejected is returned when the generator answers 4xx (other than
// 429); the request is not retried.
var ErrGeneratorRejected = errors.New("generator rejected request")

// Request is the job description sent to the generator.
type Request struct {
	Kind       string          `json:"kind"`
	Collection string          `json:"collection"`
	RequestID  string          `json:"requestId"`
	UserID     string          `json:"userId"`
	StoryID    string          `json:"storyId,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// Result is the generator's output. Text kinds fill Content; images fill
// Image (base64 in JSON) and ContentType.
type Result struct {
	Content     json.RawMessage `json:"content,omitempty"`
	Image       []byte          `json:"image,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
}

// Generator produces the content of one job.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

type GeneratorConfig struct {
	URL            string
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPGenerator calls an external generation service. Bodies are signed with
// HMAC-SHA256 over "<timestamp>.<body>" so the service can authenticate the
// worker.
type HTTPGenerator struct {
	url            string
	secret         string
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewHTTPGenerator(cfg GeneratorConfig) (*HTTPGenerator, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("generator url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = 10 * initialBackoff
	}
	return &HTTPGenerator{
		url:            cfg.URL,
		secret:         cfg.SigningSecret,
		httpClient:     &http.Client{Timeout: timeout},
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		now:            time.Now,
	}, nil
}

// Generate posts req and decodes the result, retrying network errors, 429
// and 5xx with exponential backoff.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generator request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialBackoff
	b.MaxInterval = g.maxBackoff

	return backoff.Retry(ctx, func() (*Result, error) {
		return g.do(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(g.maxAttempts)))
}

func (g *HTTPGenerator) do(ctx context.Context, body []byte) (*Result, error) {
	timestamp := strconv.FormatInt(g.now().UTC().Unix(), 10)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build generator request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderTimestamp, timestamp)
	httpReq.Header.Set(HeaderSignature, Sign(g.secret, timestamp, body))

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("generator returned status=%d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("generator returned status=%d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("%w: status=%d", ErrGeneratorRejected, resp.StatusCode))
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBytes)).Decode(&res); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode generator result: %w", err))
	}
	return &res, nil
}

// Sign returns "sha256=<hex>" of HMAC-SHA256(secret, timestamp + "." + body).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
