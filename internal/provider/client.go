// Package provider is the HTTP client for the remote instruction provider.
//
// Every posting action is provider-driven: the client asks for a program per
// task and later reports how it went.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"postbot/internal/instruction"
	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

var (
	ErrForbidden       = errors.New("provider: forbidden; this actor is not entitled to use the service")
	ErrUnauthenticated = errors.New("provider: unauthenticated; check the API key")
	ErrUnreachable     = errors.New("provider: unreachable")
)

// StatusError is any other non-2xx provider response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider: HTTP %d", e.Status)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.Status, e.Message)
}

// TaskPostMessage is the task kind requested for a post job.
const TaskPostMessage = "post_message"

// Log statuses reported through UpdateLog.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TaskData is the task payload sent with an instruction request.
type TaskData struct {
	Message     string             `json:"message"`
	IsEveryone  bool               `json:"isEveryone"`
	Attachments []model.Attachment `json:"attachments"`
}

// Instructions is a resolved program and its log correlation id (may be empty).
type Instructions struct {
	Program instruction.Program `json:"steps"`
	LogID   string              `json:"logId,omitempty"`
}

// instructionResponse keeps Steps a pointer so a missing or null "steps"
// is told apart from an empty program.
type instructionResponse struct {
	Steps *instruction.Program `json:"steps"`
	LogID string               `json:"logId"`
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	log  logx.Logger
	http *http.Client

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{log: log, cfg: cfg, http: &http.Client{}}
}

// Apply swaps base URL, key and timeout for later requests.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

type instructionRequest struct {
	ActorID  string   `json:"actorId"`
	TaskType string   `json:"taskType"`
	Data     TaskData `json:"data"`
}

// GetInstructions requests the program for one task. Every error is fatal to
// the job: ErrForbidden, ErrUnauthenticated, ErrUnreachable or *StatusError.
func (c *Client) GetInstructions(ctx context.Context, actorID, taskType string, data TaskData) (Instructions, error) {
	if data.Attachments == nil {
		data.Attachments = []model.Attachment{}
	}
	c.log.Info("requesting instructions", logx.String("task", taskType), logx.Bool("everyone", data.IsEveryone))

	var out instructionResponse
	err := c.do(ctx, http.MethodPost, "/instructions", instructionRequest{
		ActorID:  actorID,
		TaskType: taskType,
		Data:     data,
	}, &out)
	if err != nil {
		return Instructions{}, err
	}
	if out.Steps == nil {
		c.log.Error("provider response has no steps", logx.String("log_id", out.LogID))
		return Instructions{}, &StatusError{Status: http.StatusOK, Message: "response has no steps"}
	}
	return Instructions{Program: *out.Steps, LogID: out.LogID}, nil
}

type logUpdate struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// UpdateLog reports the outcome of a program run. It is best-effort: failures
// are logged and swallowed.
func (c *Client) UpdateLog(ctx context.Context, logID, status, errMsg string) {
	if strings.TrimSpace(logID) == "" {
		return
	}
	err := c.do(ctx, http.MethodPut, "/logs/"+url.PathEscape(logID), logUpdate{Status: status, Error: errMsg}, nil)
	if err != nil {
		c.log.Warn("failed to update provider log", logx.String("log_id", logID), logx.Err(err))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	cfg := c.config()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.BaseURL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("provider unreachable", logx.String("url", cfg.BaseURL), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.classify(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	return nil
}

func (c *Client) classify(status int, raw []byte) error {
	msg := errorMessage(raw)
	switch status {
	case http.StatusForbidden:
		c.log.Error("provider denied access", logx.String("reason", msg))
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		}
		return ErrForbidden
	case http.StatusUnauthorized:
		c.log.Error("provider rejected credentials", logx.String("reason", msg))
		return ErrUnauthenticated
	default:
		c.log.Error("provider error", logx.Int("status", status), logx.String("body", msg))
		return &StatusError{Status: status, Message: msg}
	}
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return truncate(strings.TrimSpace(string(raw)), 200)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
