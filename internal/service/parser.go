package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/capitalize-ai/line-relay/internal/model"
)

// Parser normalizes one inbound event into backend input.
type Parser func(ctx context.Context, event webhook.EventInterface) (*model.NormalizedRequest, error)

// ContentFetcher downloads the binary content of a message.
type ContentFetcher interface {
	FetchContent(ctx context.Context, messageID string) (*model.Attachment, error)
}

// Built-in parser tags.
const (
	TagText     = "text"
	TagImage    = "image"
	TagVideo    = "video"
	TagAudio    = "audio"
	TagFile     = "file"
	TagLocation = "location"
	TagSticker  = "sticker"
	TagPostback = "postback"
	TagFollow   = "follow"
	TagUnfollow = "unfollow"
)

const (
	followText   = "The user added you as a friend in messenger app."
	unfollowText = "The user blocked you in messenger app."
)

// BuiltinParsers returns the default parser for every supported tag. Media
// parsers download content through fetcher.
func BuiltinParsers(fetcher ContentFetcher) map[string]Parser {
	media := func(tag string) Parser {
		return func(ctx context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
			return parseMedia(ctx, fetcher, tag, ev)
		}
	}

	return map[string]Parser{
		TagText:     ParseText,
		TagImage:    media(TagImage),
		TagVideo:    media(TagVideo),
		TagAudio:    media(TagAudio),
		TagFile:     media(TagFile),
		TagLocation: ParseLocation,
		TagSticker:  ParseSticker,
		TagPostback: ParsePostback,
		TagFollow:   ParseFollow,
		TagUnfollow: ParseUnfollow,
	}
}

func parseError(tag string, err error) *Error {
	return NewError(ErrorParsing, fmt.Sprintf("cannot parse %s message", tag), err)
}

// ParseText passes the text through.
func ParseText(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	msg, ok := messageContent[webhook.TextMessageContent](ev)
	if !ok {
		return nil, parseError(TagText, nil)
	}
	return &model.NormalizedRequest{Text: msg.Text}, nil
}

// ParseLocation describes the shared location in text.
func ParseLocation(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	msg, ok := messageContent[webhook.LocationMessageContent](ev)
	if !ok {
		return nil, parseError(TagLocation, nil)
	}
	text := fmt.Sprintf(
		"You received a location info from user in messenger app:\n    - address: %s\n    - latitude: %v\n    - longitude: %v",
		msg.Address, msg.Latitude, msg.Longitude,
	)
	return &model.NormalizedRequest{Text: text}, nil
}

// ParseSticker describes the sticker by its keywords.
func ParseSticker(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	msg, ok := messageContent[webhook.StickerMessageContent](ev)
	if !ok {
		return nil, parseError(TagSticker, nil)
	}
	text := "You received a sticker from user in messenger app: " + strings.Join(msg.Keywords, ", ")
	return &model.NormalizedRequest{Text: text}, nil
}

// ParsePostback forwards the postback data, followed by any params as
// sorted key=value lines.
func ParsePostback(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	e, ok := ev.(webhook.PostbackEvent)
	if !ok || e.Postback == nil {
		return nil, parseError(TagPostback, nil)
	}

	var b strings.Builder
	b.WriteString(e.Postback.Data)

	keys := make([]string, 0, len(e.Postback.Params))
	for k := range e.Postback.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, e.Postback.Params[k])
	}

	return &model.NormalizedRequest{Text: b.String()}, nil
}

// ParseFollow notifies the backend that the user added the bot.
func ParseFollow(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	if _, ok := ev.(webhook.FollowEvent); !ok {
		return nil, parseError(TagFollow, nil)
	}
	return &model.NormalizedRequest{Text: followText}, nil
}

// ParseUnfollow notifies the backend that the user blocked the bot. The
// event carries no reply token, so no reply will be delivered.
func ParseUnfollow(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	if _, ok := ev.(webhook.UnfollowEvent); !ok {
		return nil, parseError(TagUnfollow, nil)
	}
	return &model.NormalizedRequest{Text: unfollowText}, nil
}

// ParseFallback rejects every event it sees.
func ParseFallback(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	tag := describe(ev).tag
	return nil, NewError(ErrorParsing, fmt.Sprintf("unsupported message type %q", tag), nil)
}

func parseMedia(ctx context.Context, fetcher ContentFetcher, tag string, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
	var id, filename string

	switch tag {
	case TagImage:
		msg, ok := messageContent[webhook.ImageMessageContent](ev)
		if !ok {
			return nil, parseError(tag, nil)
		}
		id = msg.Id
	case TagVideo:
		msg, ok := messageContent[webhook.VideoMessageContent](ev)
		if !ok {
			return nil, parseError(tag, nil)
		}
		id = msg.Id
	case TagAudio:
		msg, ok := messageContent[webhook.AudioMessageContent](ev)
		if !ok {
			return nil, parseError(tag, nil)
		}
		id = msg.Id
	case TagFile:
		msg, ok := messageContent[webhook.FileMessageContent](ev)
		if !ok {
			return nil, parseError(tag, nil)
		}
		id, filename = msg.Id, msg.FileName
	}

	if fetcher == nil {
		return nil, parseError(tag, fmt.Errorf("no content fetcher configured"))
	}

	att, err := fetcher.FetchContent(ctx, id)
	if err != nil {
		return nil, parseError(tag, fmt.Errorf("failed to fetch content %s: %w", id, err))
	}
	if filename != "" {
		att.Filename = filename
	}

	return &model.NormalizedRequest{Files: []model.Attachment{*att}}, nil
}
