// Package moderation screens inbound text with the OpenAI moderation API.
package moderation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/pkg/logger"
)

type moderationAPI interface {
	Moderations(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error)
}

// Moderator rejects flagged text messages before they reach the backend.
type Moderator struct {
	api     moderationAPI
	reply   string
	timeout time.Duration
	logger  *logger.Logger
}

// New creates a moderator that answers flagged messages with reply.
func New(apiKey, reply string, log *logger.Logger) (*Moderator, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return newModerator(openai.NewClient(apiKey), reply, log), nil
}

func newModerator(api moderationAPI, reply string, log *logger.Logger) *Moderator {
	if log == nil {
		log = logger.Global()
	}
	return &Moderator{
		api:     api,
		reply:   reply,
		timeout: 10 * time.Second,
		logger:  log,
	}
}

// Validate checks text messages. Other events pass through. When the
// moderation API is unavailable the message is let through.
func (m *Moderator) Validate(ctx context.Context, ev webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
	text := textOf(ev)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.api.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: openai.ModerationTextLatest,
	})
	if err != nil {
		m.logger.Warn("moderation unavailable, allowing message", zap.Error(err))
		return nil, nil
	}

	for _, r := range resp.Results {
		if r.Flagged {
			m.logger.Info("message rejected by moderation")
			return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: m.reply}}, nil
		}
	}
	return nil, nil
}

func textOf(ev webhook.EventInterface) string {
	e, ok := ev.(webhook.MessageEvent)
	if !ok {
		return ""
	}
	msg, ok := e.Message.(webhook.TextMessageContent)
	if !ok {
		return ""
	}
	return msg.Text
}
