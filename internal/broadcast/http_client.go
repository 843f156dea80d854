package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

// ErrNoDocument is returned by LoadDocument when the backend holds nothing for
// the project yet.
var ErrNoDocument = errors.New("no stored document")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// backoff doubles from base up to ceiling. A server supplied Retry-After wins
// but is still capped.
type backoff struct {
	retries int
	base    time.Duration
	ceiling time.Duration
}

func (b backoff) delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, b.ceiling)
	}
	d := b.base
	for i := 1; i < attempt && d < b.ceiling; i++ {
		d *= 2
	}
	return min(d, b.ceiling)
}

// HTTPClient stores whole documents in the backend persistence API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	backoff backoff
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		http:    httpClient,
		backoff: backoff{retries: 3, base: 100 * time.Millisecond, ceiling: 2 * time.Second},
	}
}

func (c *HTTPClient) SaveDocument(ctx context.Context, projectID string, doc protocol.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPut, documentPath(projectID), payload)
	return err
}

// LoadDocument fetches the stored document of projectID, ErrNoDocument when the
// backend answers 404.
func (c *HTTPClient) LoadDocument(ctx context.Context, projectID string) (protocol.Document, error) {
	var doc protocol.Document
	body, err := c.call(ctx, http.MethodGet, documentPath(projectID), nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return doc, ErrNoDocument
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func documentPath(projectID string) string {
	return "/v1/projects/" + url.PathEscape(projectID) + "/document"
}

type reply struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (r reply) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r reply) transient() bool {
	return r.status == http.StatusTooManyRequests || r.status >= 500
}

func (r reply) err() error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(r.body, &payload)
	return &HTTPError{StatusCode: r.status, Code: payload.Code, Message: payload.Message}
}

// call performs one logical request, retrying transport failures and transient
// statuses. It returns the body of the successful response.
func (c *HTTPClient) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		r, err := c.send(ctx, method, path, payload)
		last := attempt > c.backoff.retries
		switch {
		case err != nil && last:
			return nil, err
		case err != nil:
		case r.ok():
			return r.body, nil
		case !r.transient() || last:
			return nil, r.err()
		}
		if err := sleep(ctx, c.backoff.delay(attempt, r.retryAfter)); err != nil {
			return nil, err
		}
	}
}

func (c *HTTPClient) send(ctx context.Context, method, path string, payload []byte) (reply, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return reply{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", "doc_"+uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return reply{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, err
	}
	return reply{
		status:     resp.StatusCode,
		body:       data,
		retryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}, nil
}

// retryAfter understands both the delay-seconds and HTTP-date forms.
func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
