package service

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// eventInfo is the routing view of an inbound webhook event.
type eventInfo struct {
	eventType      string
	tag            string
	userID         string
	replyToken     string
	webhookEventID string
}

// describe derives routing fields from the concrete event type, so events
// built in code route the same way as events decoded from a webhook body.
func describe(ev webhook.EventInterface) eventInfo {
	var (
		info eventInfo
		src  webhook.SourceInterface
	)
	switch e := ev.(type) {
	case webhook.MessageEvent:
		info.eventType = "message"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
		info.tag = messageTag(e.Message)
	case webhook.PostbackEvent:
		info.eventType = "postback"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.FollowEvent:
		info.eventType = "follow"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.UnfollowEvent:
		info.eventType = "unfollow"
		src, info.webhookEventID = e.Source, e.WebhookEventId
	case webhook.JoinEvent:
		info.eventType = "join"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.LeaveEvent:
		info.eventType = "leave"
		src, info.webhookEventID = e.Source, e.WebhookEventId
	case webhook.MemberJoinedEvent:
		info.eventType = "memberJoined"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.MemberLeftEvent:
		info.eventType = "memberLeft"
		src, info.webhookEventID = e.Source, e.WebhookEventId
	case webhook.BeaconEvent:
		info.eventType = "beacon"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.AccountLinkEvent:
		info.eventType = "accountLink"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.VideoPlayCompleteEvent:
		info.eventType = "videoPlayComplete"
		src, info.replyToken, info.webhookEventID = e.Source, e.ReplyToken, e.WebhookEventId
	case webhook.UnsendEvent:
		info.eventType = "unsend"
		src, info.webhookEventID = e.Source, e.WebhookEventId
	default:
		info.eventType = ev.GetType()
	}
	if info.eventType != "message" {
		info.tag = info.eventType
	}

	info.userID = sourceUserID(src)
	return info
}

// messageTag names the message content type.
func messageTag(msg webhook.MessageContentInterface) string {
	switch msg.(type) {
	case nil:
		return ""
	case webhook.TextMessageContent:
		return "text"
	case webhook.ImageMessageContent:
		return "image"
	case webhook.VideoMessageContent:
		return "video"
	case webhook.AudioMessageContent:
		return "audio"
	case webhook.FileMessageContent:
		return "file"
	case webhook.LocationMessageContent:
		return "location"
	case webhook.StickerMessageContent:
		return "sticker"
	}
	return msg.GetType()
}

// sourceUserID returns the user id of the source. Group and room sources
// without a user id fall back to the group or room id.
func sourceUserID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		if s.UserId != "" {
			return s.UserId
		}
		return s.GroupId
	case webhook.RoomSource:
		if s.UserId != "" {
			return s.UserId
		}
		return s.RoomId
	}
	return ""
}

// messageContent extracts the message payload of a message event as T.
func messageContent[T webhook.MessageContentInterface](ev webhook.EventInterface) (T, bool) {
	var zero T
	e, ok := ev.(webhook.MessageEvent)
	if !ok {
		return zero, false
	}
	c, ok := e.Message.(T)
	return c, ok
}
