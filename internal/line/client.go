// Package line talks to the LINE Messaging API: replies and message content
// downloads.
package line

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

const (
	// DefaultMaxContentBytes bounds downloaded message content.
	DefaultMaxContentBytes = 50 << 20
	// DefaultTimeout bounds each call to the LINE API.
	DefaultTimeout = 30 * time.Second

	maxReplyMessages = 5
)

// ErrContentTooLarge is returned when message content exceeds the size limit.
var ErrContentTooLarge = errors.New("message content too large")

type replyAPI interface {
	ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
}

type blobAPI interface {
	GetMessageContent(messageID string) (*http.Response, error)
}

// Client sends replies and fetches message content.
type Client struct {
	api        replyAPI
	blob       blobAPI
	maxContent int64
	logger     *logger.Logger

	timeout      time.Duration
	apiEndpoint  string
	blobEndpoint string
}

// Option configures a Client.
type Option func(*Client)

// WithMaxContentBytes sets the content download limit.
func WithMaxContentBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxContent = n
		}
	}
}

// WithTimeout sets the HTTP timeout of every LINE API call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEndpoints overrides the messaging and content API base URLs.
func WithEndpoints(api, blob string) Option {
	return func(c *Client) {
		c.apiEndpoint, c.blobEndpoint = api, blob
	}
}

// WithLogger sets the client logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// NewClient creates a client authenticated with the channel access token.
func NewClient(accessToken string, opts ...Option) (*Client, error) {
	if accessToken == "" {
		return nil, errors.New("channel access token is required")
	}

	c := newClient(nil, nil, opts...)
	httpClient := &http.Client{Timeout: c.timeout}

	apiOpts := []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(httpClient)}
	blobOpts := []messaging_api.MessagingApiBlobAPIOption{messaging_api.WithBlobHTTPClient(httpClient)}
	if c.apiEndpoint != "" {
		apiOpts = append(apiOpts, messaging_api.WithEndpoint(c.apiEndpoint))
	}
	if c.blobEndpoint != "" {
		blobOpts = append(blobOpts, messaging_api.WithBlobEndpoint(c.blobEndpoint))
	}

	api, err := messaging_api.NewMessagingApiAPI(accessToken, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging api client: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(accessToken, blobOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging blob client: %w", err)
	}

	c.api, c.blob = api, blob
	return c, nil
}

func newClient(api replyAPI, blob blobAPI, opts ...Option) *Client {
	c := &Client{
		api:        api,
		blob:       blob,
		maxContent: DefaultMaxContentBytes,
		logger:     logger.Global(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// await runs call and returns early when ctx ends. The SDK calls take no
// context, so an abandoned call keeps running until the HTTP timeout and
// its result goes to discard.
func await[T any](ctx context.Context, call func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && discard != nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// Reply sends messages with the reply token. Nothing is sent when the token
// or the message list is empty. Messages beyond the platform limit of five
// are dropped.
func (c *Client) Reply(ctx context.Context, replyToken string, messages []messaging_api.MessageInterface) error {
	if replyToken == "" || len(messages) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(messages) > maxReplyMessages {
		c.logger.Warn("dropping reply messages over limit",
			zap.Int("messages", len(messages)),
			zap.Int("limit", maxReplyMessages),
		)
		messages = messages[:maxReplyMessages]
	}

	req := &messaging_api.ReplyMessageRequest{ReplyToken: replyToken, Messages: messages}
	if _, err := await(ctx, func() (*messaging_api.ReplyMessageResponse, error) {
		return c.api.ReplyMessage(req)
	}, nil); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// FetchContent downloads the binary content of an image, video, audio or
// file message.
func (c *Client) FetchContent(ctx context.Context, messageID string) (*model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := await(ctx, func() (*http.Response, error) {
		return c.blob.GetMessageContent(messageID)
	}, func(r *http.Response) { r.Body.Close() })
	if err != nil {
		return nil, fmt.Errorf("failed to get content of message %s: %w", messageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("content of message %s: unexpected status %d", messageID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxContent+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read content of message %s: %w", messageID, err)
	}
	if int64(len(data)) > c.maxContent {
		return nil, fmt.Errorf("message %s: %w (limit %d bytes)", messageID, ErrContentTooLarge, c.maxContent)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	c.logger.Debug("fetched message content",
		zap.String("message_id", messageID),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)),
	)

	return &model.Attachment{Data: data, ContentType: contentType}, nil
}
