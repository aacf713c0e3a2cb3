// Package forward delivers accepted uploads to a Discord webhook.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay/cmd/internal/upload"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 4 << 10
	maxContentRunes = 1900
)

var ErrNoMessageID = errors.New("forward: sink response has no message id")

// HTTPError is a non-2xx sink response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("forward: sink returned %d: %s", e.StatusCode, e.Message)
}

// Webhook posts uploads as multipart messages to a Discord webhook. It makes a
// single attempt per call.
type Webhook struct {
	httpClient *http.Client
	timeout    time.Duration
	username   string
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) {
		if c != nil {
			w.httpClient = c
		}
	}
}

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithUsername overrides the webhook display name.
func WithUsername(name string) Option {
	return func(w *Webhook) { w.username = strings.TrimSpace(name) }
}

// NewWebhook constructs a Webhook.
func NewWebhook(opts ...Option) *Webhook {
	w := &Webhook{
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		username:   "telemetry-relay",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

type attachment struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type messagePayload struct {
	Content     string       `json:"content"`
	Username    string       `json:"username,omitempty"`
	Attachments []attachment `json:"attachments"`
}

// Forward implements upload.Forwarder.
func (w *Webhook) Forward(ctx context.Context, endpoint string, s upload.Submission) (string, error) {
	target, err := waitURL(endpoint)
	if err != nil {
		return "", err
	}

	body, contentType, err := buildMessage(w.username, s)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return "", fmt.Errorf("forward: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		// url.Error embeds the webhook URL, which carries the webhook token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return "", fmt.Errorf("forward: %s request: %w", uerr.Op, uerr.Err)
		}
		return "", fmt.Errorf("forward: do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("forward: decode response: %w", err)
	}
	if out.ID == "" {
		return "", ErrNoMessageID
	}
	return out.ID, nil
}

func waitURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", errors.New("forward: invalid sink endpoint")
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildMessage(username string, s upload.Submission) (io.Reader, string, error) {
	payloadName := "telemetry-" + s.RequestID + ".bin"
	payload, err := json.Marshal(messagePayload{
		Content:  summary(s),
		Username: username,
		Attachments: []attachment{
			{ID: 0, Filename: payloadName},
			{ID: 1, Filename: "metadata.json"},
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("forward: marshal payload_json: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", err
	}
	fw, err := mw.CreateFormFile("files[0]", payloadName)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(s.Payload); err != nil {
		return nil, "", err
	}
	mwMeta, err := mw.CreateFormFile("files[1]", "metadata.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := mwMeta.Write(s.Metadata); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func summary(s upload.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Telemetry upload `%s`\nclient: `%s`\nsha256: `%s`\nbytes: %d",
		s.RequestID, s.ClientID, s.VerifiedHash, len(s.Payload))
	out := b.String()
	if r := []rune(out); len(r) > maxContentRunes {
		out = string(r[:maxContentRunes])
	}
	return out
}
