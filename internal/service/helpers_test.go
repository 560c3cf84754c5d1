package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/internal/session"
	"github.com/capitalize-ai/line-relay/internal/store"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  []*model.BackendRequest
	invoke func(req *model.BackendRequest) (*model.BackendResult, error)
}

func (f *fakeBackend) Invoke(_ context.Context, req *model.BackendRequest) (*model.BackendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.invoke(req)
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) lastCall() *model.BackendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func replyWith(text, convID string) func(*model.BackendRequest) (*model.BackendResult, error) {
	return func(*model.BackendRequest) (*model.BackendResult, error) {
		return &model.BackendResult{Text: text, Data: map[string]any{}, ConversationID: convID}, nil
	}
}

type fakeFetcher struct {
	att *model.Attachment
	err error
	ids []string
}

func (f *fakeFetcher) FetchContent(_ context.Context, id string) (*model.Attachment, error) {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return nil, f.err
	}
	c := *f.att
	return &c, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*model.ConversationEvent
	err    error
}

func (f *fakePublisher) PublishEvent(_ context.Context, ev *model.ConversationEvent) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return uint64(len(f.events)), f.err
}

// imagemapContent is a message type the relay has no parser for.
type imagemapContent struct{}

func (imagemapContent) GetType() string { return "imagemap" }

var errTimeout = errors.New("context deadline exceeded")

func textEvent(user, text string) webhook.MessageEvent {
	return webhook.MessageEvent{
		Source:         webhook.UserSource{UserId: user},
		ReplyToken:     "rt-" + user,
		WebhookEventId: "ev-" + user + "-" + text,
		Message:        webhook.TextMessageContent{Id: "m-" + user, Text: text},
	}
}

func messageEvent(user string, msg webhook.MessageContentInterface) webhook.MessageEvent {
	return webhook.MessageEvent{
		Source:     webhook.UserSource{UserId: user},
		ReplyToken: "rt-" + user,
		Message:    msg,
	}
}

type harness struct {
	dispatcher *Dispatcher
	backend    *fakeBackend
	store      *store.MemoryStore
	sessions   *session.Manager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	m := session.NewManager(s, time.Hour, logger.NewNop())
	b := &fakeBackend{invoke: replyWith("ok", "t-default")}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &harness{
		dispatcher: NewDispatcher(m, b, opts),
		backend:    b,
		store:      s,
		sessions:   m,
	}
}

func textsOf(t *testing.T, msgs []messaging_api.MessageInterface) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		tm, ok := m.(messaging_api.TextMessage)
		require.True(t, ok, "expected text message, got %T", m)
		out = append(out, tm.Text)
	}
	return out
}
