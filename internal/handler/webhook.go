// Package handler provides HTTP handlers for the relay.
package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/service"
	"github.com/capitalize-ai/line-relay/pkg/logger"
	"github.com/capitalize-ai/line-relay/pkg/metrics"
)

const maxWebhookBody = 1 << 20

// Dispatcher processes a batch of webhook events.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, events []webhook.EventInterface) []*service.Outcome
}

// Replier delivers reply messages.
type Replier interface {
	Reply(ctx context.Context, replyToken string, messages []messaging_api.MessageInterface) error
}

// WebhookHandler receives LINE webhook deliveries.
type WebhookHandler struct {
	channelSecret string
	dispatcher    Dispatcher
	replier       Replier
	async         bool
	logger        *logger.Logger

	inflight sync.WaitGroup
}

// NewWebhookHandler creates a webhook handler. In async mode deliveries are
// acknowledged before processing.
func NewWebhookHandler(channelSecret string, d Dispatcher, r Replier, async bool, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		channelSecret: channelSecret,
		dispatcher:    d,
		replier:       r,
		async:         async,
		logger:        log,
	}
}

// Callback handles POST /callback
func (h *WebhookHandler) Callback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	cb, err := webhook.ParseRequest(h.channelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.logger.Warn("rejected webhook with invalid signature", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusBadRequest, codeInvalidSignature, "invalid signature")
			return
		}
		h.logger.Warn("failed to parse webhook", zap.Error(err))
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}

	if len(cb.Events) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if h.async {
		ctx := context.WithoutCancel(r.Context())
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.process(ctx, cb.Events)
		}()
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}

	h.process(r.Context(), cb.Events)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) process(ctx context.Context, events []webhook.EventInterface) {
	outcomes := h.dispatcher.DispatchBatch(ctx, events)

	for _, out := range outcomes {
		if out == nil || out.ReplyToken == "" || len(out.Messages) == 0 {
			continue
		}
		if err := h.replier.Reply(ctx, out.ReplyToken, out.Messages); err != nil {
			h.logger.Error("failed to deliver reply",
				zap.String("event_id", out.WebhookEventID),
				zap.String("user_id", out.UserID),
				zap.Error(err),
			)
			metrics.RecordFailure("DELIVERY", "REPLY_ERROR")
		}
	}
}

// Wait blocks until background deliveries finish or ctx is done.
func (h *WebhookHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
