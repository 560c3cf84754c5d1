package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/middleware"
	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/pkg/logger"
	"github.com/capitalize-ai/line-relay/pkg/metrics"
)

const replayBatchSize = 50

// EventSource reads a user's published conversation events.
type EventSource interface {
	GetEvents(ctx context.Context, userID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error)
}

// EventStreamHandler streams a user's conversation events over SSE.
type EventStreamHandler struct {
	events       EventSource
	logger       *logger.Logger
	pollInterval time.Duration
	heartbeat    time.Duration
}

// NewEventStreamHandler creates a new event stream handler.
func NewEventStreamHandler(events EventSource, log *logger.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		events:       events,
		logger:       log,
		pollInterval: 2 * time.Second,
		heartbeat:    30 * time.Second,
	}
}

// Stream handles GET /api/v1/sessions/{userID}/events
// Supports ?after_sequence=N or Last-Event-ID for resuming from a specific point
func (h *EventStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	cursor := r.URL.Query().Get("after_sequence")
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		cursor = last
	}
	afterSequence, err := middleware.ParseAfterSequence(cursor)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", "", map[string]string{"user_id": userID})

	// Replay history in batches
	lastSequence, replayed, err := h.drain(ctx, w, flusher, userID, afterSequence)
	if err != nil {
		h.logger.Error("failed to replay events", zap.String("user_id", userID), zap.Error(err))
		sendSSEEvent(w, flusher, "error", "", &model.ErrorEvent{
			Code:    "replay_error",
			Message: "Failed to replay events",
		})
		return
	}

	sendSSEEvent(w, flusher, "replay_complete", "", &model.ReplayCompleteEvent{
		Count:        replayed,
		LastSequence: lastSequence,
	})

	h.logger.Info("event replay complete",
		zap.String("user_id", userID),
		zap.Int("events_replayed", replayed),
		zap.Uint64("last_sequence", lastSequence),
	)

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	// Tail new events until the client goes away
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("user_id", userID))
			return

		case <-poll.C:
			seq, _, err := h.drain(ctx, w, flusher, userID, lastSequence)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("failed to poll events", zap.String("user_id", userID), zap.Error(err))
				continue
			}
			lastSequence = seq

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", "", map[string]time.Time{"timestamp": time.Now().UTC()})
		}
	}
}

// drain sends every event after afterSequence and returns the new cursor.
func (h *EventStreamHandler) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, userID string, afterSequence uint64) (uint64, int, error) {
	sent := 0
	for {
		events, last, more, err := h.events.GetEvents(ctx, userID, afterSequence, replayBatchSize)
		if err != nil {
			return afterSequence, sent, err
		}

		for i := range events {
			if ctx.Err() != nil {
				return afterSequence, sent, ctx.Err()
			}
			ev := &events[i]
			sendSSEEvent(w, flusher, "event", strconv.FormatUint(ev.Sequence, 10), ev)
			sent++
		}

		if last > afterSequence {
			afterSequence = last
		}
		if !more {
			return afterSequence, sent, nil
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event, id string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
