package dify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/capitalize-ai/line-relay/internal/model"
)

const maxEventSize = 1 << 20

// streamEvent is the union of the chat-messages stream payloads we read.
type streamEvent struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversation_id"`
	Answer         string          `json:"answer"`
	Tool           string          `json:"tool"`
	ToolInput      string          `json:"tool_input"`
	Metadata       *streamMetadata `json:"metadata"`

	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type streamMetadata struct {
	RetrieverResources []map[string]any `json:"retriever_resources"`
}

// readStream folds the server-sent event stream into one result. Chunks are
// passed to onChunk in arrival order when it is non-nil. The stream must end
// with message_end; anything else is an error and the partial text is dropped.
func readStream(ctx context.Context, body io.Reader, onChunk StreamCallback) (*model.BackendResult, int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var (
		text    strings.Builder
		convID  string
		data    = map[string]any{}
		chunks  int
		settled bool
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, chunks, err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, chunks, fmt.Errorf("malformed stream event: %w", err)
		}

		if ev.ConversationID != "" {
			convID = ev.ConversationID
		}

		switch ev.Event {
		case "message", "agent_message":
			if ev.Answer == "" {
				continue
			}
			text.WriteString(ev.Answer)
			if onChunk != nil {
				if err := onChunk(ev.Answer, chunks); err != nil {
					return nil, chunks, fmt.Errorf("stream callback: %w", err)
				}
			}
			chunks++
		case "message_replace":
			text.Reset()
			text.WriteString(ev.Answer)
		case "agent_thought":
			if ev.Tool != "" {
				data["tool"] = ev.Tool
				data["tool_input"] = ev.ToolInput
			}
		case "message_end":
			if ev.Metadata != nil && len(ev.Metadata.RetrieverResources) > 0 {
				data["retriever_resources"] = ev.Metadata.RetrieverResources
			}
			settled = true
		case "error":
			return nil, chunks, &StreamError{Status: ev.Status, Code: ev.Code, Message: ev.Message}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, chunks, fmt.Errorf("failed to read stream: %w", err)
	}
	if !settled {
		return nil, chunks, ErrStreamIncomplete
	}

	return &model.BackendResult{
		Text:           text.String(),
		Data:           data,
		ConversationID: convID,
	}, chunks, nil
}
