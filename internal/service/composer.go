package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/capitalize-ai/line-relay/internal/model"
)

// Reply limits imposed by the messaging API.
const (
	MaxTextRunes       = 5000
	MaxReplyMessages   = 5
	maxQuickReplyItems = 13
	maxQuickReplyLabel = 20
)

// Composer turns a backend result into outbound messages.
type Composer func(ctx context.Context, result *model.BackendResult, session *model.ConversationSession) ([]messaging_api.MessageInterface, error)

// DefaultComposer replies with the result text, split into as many text
// messages as the reply limits allow. Blank text yields the fallback text,
// or no message at all when fallback is empty.
func DefaultComposer(fallback string) Composer {
	return func(_ context.Context, result *model.BackendResult, _ *model.ConversationSession) ([]messaging_api.MessageInterface, error) {
		text := strings.TrimSpace(result.Text)
		if text == "" {
			text = fallback
		}
		if text == "" {
			return nil, nil
		}

		chunks := splitText(text, MaxTextRunes, MaxReplyMessages)
		msgs := make([]messaging_api.MessageInterface, 0, len(chunks))
		for _, c := range chunks {
			msgs = append(msgs, messaging_api.TextMessage{Text: c})
		}
		return msgs, nil
	}
}

// QuickReplyComposer wraps base and attaches the labels found in
// result.Data["quick_replies"] as quick reply buttons on the last text
// message.
func QuickReplyComposer(base Composer) Composer {
	return func(ctx context.Context, result *model.BackendResult, session *model.ConversationSession) ([]messaging_api.MessageInterface, error) {
		msgs, err := base(ctx, result, session)
		if err != nil || len(msgs) == 0 {
			return msgs, err
		}

		labels, err := quickReplyLabels(result.Data["quick_replies"])
		if err != nil {
			return nil, err
		}
		if len(labels) == 0 {
			return msgs, nil
		}

		last, ok := msgs[len(msgs)-1].(messaging_api.TextMessage)
		if !ok {
			return msgs, nil
		}

		items := make([]messaging_api.QuickReplyItem, 0, len(labels))
		for _, l := range labels {
			items = append(items, messaging_api.QuickReplyItem{
				Action: &messaging_api.MessageAction{Label: truncateRunes(l, maxQuickReplyLabel), Text: l},
			})
		}
		last.QuickReply = &messaging_api.QuickReply{Items: items}
		msgs[len(msgs)-1] = last

		return msgs, nil
	}
}

func quickReplyLabels(v any) ([]string, error) {
	var labels []string
	switch vals := v.(type) {
	case nil:
		return nil, nil
	case []string:
		labels = vals
	case []any:
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("quick reply label must be a string, got %T", item)
			}
			labels = append(labels, s)
		}
	default:
		return nil, fmt.Errorf("quick_replies must be a list, got %T", v)
	}

	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
		if len(out) == maxQuickReplyItems {
			break
		}
	}
	return out, nil
}

// splitText cuts text into at most maxParts chunks of at most size runes.
// Text beyond the last chunk is truncated.
func splitText(text string, size, maxParts int) []string {
	var parts []string
	for text != "" && len(parts) < maxParts {
		if utf8.RuneCountInString(text) <= size {
			parts = append(parts, text)
			break
		}
		cut := byteOffset(text, size)
		if nl := strings.LastIndex(text[:cut], "\n"); nl > 0 {
			cut = nl
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return parts
}

func byteOffset(s string, runes int) int {
	i := 0
	for n := 0; n < runes && i < len(s); n++ {
		_, w := utf8.DecodeRuneInString(s[i:])
		i += w
	}
	return i
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return s[:byteOffset(s, n)]
}
