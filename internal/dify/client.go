// Package dify is a client for the Dify chat-messages API, supporting
// agent and chat applications.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/pkg/logger"
	"github.com/capitalize-ai/line-relay/pkg/metrics"
)

// DefaultBaseURL is the hosted Dify API.
const DefaultBaseURL = "https://api.dify.ai/v1"

const maxErrorBody = 64 << 10

// Mode is the kind of Dify application the client talks to.
type Mode string

const (
	// ModeAgent runs a server-side agent loop; the caller gets one final answer.
	ModeAgent Mode = "agent"
	// ModeChat is a multi-turn chatbot whose answer streams in chunks.
	ModeChat Mode = "chat"
)

// ParseMode maps a configured application type to a Mode. Workflow and
// completion applications are not supported.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent", "":
		return ModeAgent, nil
	case "chat", "chatbot":
		return ModeChat, nil
	default:
		return "", fmt.Errorf("unsupported dify application type %q", s)
	}
}

// StreamCallback is called for each answer chunk during streaming.
type StreamCallback func(chunk string, index int) error

// Client calls the Dify API.
type Client struct {
	apiKey     string
	baseURL    string
	mode       Mode
	user       string
	httpClient *http.Client
	onChunk    StreamCallback
	logger     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client; its Timeout is the call deadline.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithUser pins the backend user identifier for every request, instead of
// the per-request user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithStreamCallback observes answer chunks in chat mode.
func WithStreamCallback(cb StreamCallback) Option {
	return func(c *Client) {
		c.onChunk = cb
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Dify client in the given mode.
func NewClient(apiKey string, mode Mode, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("dify API key is required")
	}
	if mode != ModeAgent && mode != ModeChat {
		return nil, fmt.Errorf("unsupported mode %q", mode)
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		mode:       mode,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode returns the client's application mode.
func (c *Client) Mode() Mode {
	return c.mode
}

type fileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type chatRequest struct {
	Inputs           map[string]any `json:"inputs"`
	Query            string         `json:"query"`
	ResponseMode     string         `json:"response_mode"`
	User             string         `json:"user"`
	AutoGenerateName bool           `json:"auto_generate_name"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	Files            []fileRef      `json:"files,omitempty"`
}

// Invoke sends one user turn and returns the accumulated answer. Agent mode
// behaves as a single blocking call; chat mode reports chunks to the stream
// callback as they arrive. On failure the result is nil.
func (c *Client) Invoke(ctx context.Context, req *model.BackendRequest) (*model.BackendResult, error) {
	start := time.Now()

	result, chunks, err := c.invoke(ctx, req)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordBackend(string(c.mode), status, time.Since(start).Seconds(), chunks)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) invoke(ctx context.Context, req *model.BackendRequest) (*model.BackendResult, int, error) {
	user := c.user
	if user == "" {
		user = req.User
	}

	body := chatRequest{
		Inputs:         req.Inputs,
		Query:          req.Text,
		ResponseMode:   "streaming",
		User:           user,
		ConversationID: req.ConversationID,
	}
	if body.Inputs == nil {
		body.Inputs = map[string]any{}
	}

	for _, f := range req.Files {
		id, err := c.UploadFile(ctx, f, user)
		if err != nil {
			return nil, 0, err
		}
		body.Files = append(body.Files, fileRef{
			Type:           fileType(f.ContentType),
			TransferMethod: "local_file",
			UploadFileID:   id,
		})
	}
	if body.Query == "" && len(body.Files) > 0 {
		body.Query = "."
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, &Error{Op: "invoke", Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	c.logger.Debug("dify request",
		zap.String("mode", string(c.mode)),
		zap.ByteString("payload", payload),
	)

	url := c.baseURL + "/chat-messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, &Error{Op: "invoke", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &Error{Op: "invoke", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, &Error{Op: "invoke", Err: statusError(resp, url)}
	}

	var onChunk StreamCallback
	if c.mode == ModeChat {
		onChunk = c.onChunk
	}

	result, chunks, err := readStream(ctx, resp.Body, onChunk)
	if err != nil {
		return nil, chunks, &Error{Op: "invoke", Err: err}
	}

	c.logger.Debug("dify response",
		zap.String("mode", string(c.mode)),
		zap.String("conversation_id", result.ConversationID),
		zap.String("text", result.Text),
		zap.Any("data", result.Data),
	)

	return result, chunks, nil
}

func statusError(resp *http.Response, url string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(raw))}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &apiErr) == nil {
		se.Code = apiErr.Code
		se.Message = apiErr.Message
	}
	return se
}

func fileType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}
