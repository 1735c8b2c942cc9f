// Package classify talks to the remote scam classification service.
package classify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

const (
	detectPath = "/detect-scam/"
	healthPath = "/health/"
)

// Status is the classifier's determination for one segment
type Status string

const (
	StatusScam    Status = "Scam"
	StatusNotScam Status = "NotScam"
)

// Config contains classification client configuration
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Verdict is the parsed response for one uploaded segment
type Verdict struct {
	Status Status
	// Label is the status string exactly as the service sent it
	// ("Scam", "Suspicious", "Safe", ...).
	Label           string
	ScamProbability *float64
	Transcription   string
	Raw             json.RawMessage
}

// IsScam reports whether the verdict should raise a decision point
func (v *Verdict) IsScam() bool {
	return v != nil && v.Status == StatusScam
}

// DetectRequest is the JSON body of POST /detect-scam/
type DetectRequest struct {
	CallID string `json:"call_id"`
	Base64 string `json:"base64"`
}

type detectResponse struct {
	Status          string   `json:"status"`
	ScamProbability *float64 `json:"scam_probability,omitempty"`
	Transcription   string   `json:"transcription,omitempty"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier returned HTTP %d: %s", e.Code, e.Body)
}

// Client is a classification service client
type Client struct {
	config Config
	http   *resty.Client
}

// NewClient creates a new classification client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "callguard/1.0"
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", config.UserAgent)

	return &Client{config: config, http: httpClient}, nil
}

// Detect uploads one audio payload and returns the service's verdict
func (c *Client) Detect(ctx context.Context, callID string, audio []byte) (*Verdict, error) {
	if callID == "" {
		return nil, fmt.Errorf("call id cannot be empty")
	}
	body := DetectRequest{
		CallID: callID,
		Base64: base64.StdEncoding.EncodeToString(audio),
	}
	return c.doRequest(ctx, body)
}

// doRequest performs a single POST, without retries
func (c *Client) doRequest(ctx context.Context, body DetectRequest) (*Verdict, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(detectPath)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if !resp.IsSuccess() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	return parseVerdict(resp.Body())
}

// Health checks GET /health/
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(healthPath)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return nil
}

// BaseURL returns the configured service root
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

func parseVerdict(raw []byte) (*Verdict, error) {
	var parsed detectResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	status := StatusNotScam
	if parsed.Status == string(StatusScam) {
		status = StatusScam
	}

	return &Verdict{
		Status:          status,
		Label:           parsed.Status,
		ScamProbability: parsed.ScamProbability,
		Transcription:   parsed.Transcription,
		Raw:             json.RawMessage(raw),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
