package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/line-relay/internal/model"
)

func seedSession(t *testing.T, h *harness, userID, convID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.store.Upsert(context.Background(), &model.ConversationSession{
		UserID:         userID,
		ConversationID: convID,
		CreatedAt:      now.Add(-time.Minute),
		LastActiveAt:   now.Add(-time.Minute),
	}))
}

func TestDispatchNewUserStartsThread(t *testing.T) {
	h := newHarness(t, Options{})
	h.backend.invoke = replyWith("Hi there", "t1")

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "Hello"))

	require.NoError(t, out.Err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, model.OutcomeReplied, out.Result)
	assert.Equal(t, []string{"Hi there"}, textsOf(t, out.Messages))
	assert.Equal(t, "rt-U1", out.ReplyToken)

	req := h.backend.lastCall()
	require.NotNil(t, req)
	assert.Equal(t, "Hello", req.Text)
	assert.Empty(t, req.ConversationID)
	assert.Equal(t, "U1", req.User)
	assert.NotNil(t, req.Inputs)

	sess, err := h.store.Get(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.ConversationID)
}

func TestDispatchLocationContinuesThread(t *testing.T) {
	h := newHarness(t, Options{})
	seedSession(t, h, "U2", "t2")
	h.backend.invoke = replyWith("Nice place", "t2")

	out := h.dispatcher.Dispatch(context.Background(), messageEvent("U2", webhook.LocationMessageContent{
		Id:        "m1",
		Address:   "Tokyo",
		Latitude:  35.0,
		Longitude: 139.0,
	}))

	require.NoError(t, out.Err)
	req := h.backend.lastCall()
	assert.Equal(t, "t2", req.ConversationID)
	assert.Equal(t,
		"You received a location info from user in messenger app:\n    - address: Tokyo\n    - latitude: 35\n    - longitude: 139",
		req.Text)

	sess, err := h.store.Get(context.Background(), "U2")
	require.NoError(t, err)
	assert.Equal(t, "t2", sess.ConversationID)
}

func TestDispatchBackendFailureKeepsSession(t *testing.T) {
	h := newHarness(t, Options{})
	seedSession(t, h, "U3", "t3")
	h.backend.invoke = func(*model.BackendRequest) (*model.BackendResult, error) {
		return nil, errTimeout
	}

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U3", "still there?"))

	require.Error(t, out.Err)
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, StateSessionResolved, out.FailedAt)
	assert.Equal(t, ErrorBackend, CodeOf(out.Err))
	assert.ErrorIs(t, out.Err, errTimeout)
	assert.Equal(t, []string{"Error 🥲"}, textsOf(t, out.Messages))

	sess, err := h.store.Get(context.Background(), "U3")
	require.NoError(t, err)
	assert.Equal(t, "t3", sess.ConversationID)
}

func TestDispatchCustomErrorResponse(t *testing.T) {
	h := newHarness(t, Options{ErrorResponse: "Sorry, try again later"})
	h.backend.invoke = func(*model.BackendRequest) (*model.BackendResult, error) {
		return nil, errors.New("boom")
	}

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
	assert.Equal(t, []string{"Sorry, try again later"}, textsOf(t, out.Messages))
}

func TestDispatchValidatorShortCircuits(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.Validate(func(_ context.Context, ev webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: "not allowed"}}, nil
	})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))

	require.NoError(t, out.Err)
	assert.Equal(t, model.OutcomeRejected, out.Result)
	assert.Equal(t, []string{"not allowed"}, textsOf(t, out.Messages))
	assert.Zero(t, h.backend.callCount())

	_, err := h.store.Get(context.Background(), "U1")
	assert.Error(t, err)
}

func TestDispatchValidatorError(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.Validate(func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		return nil, errors.New("moderation unavailable")
	})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))

	assert.Equal(t, ErrorValidation, CodeOf(out.Err))
	assert.Equal(t, StateReceived, out.FailedAt)
	assert.Zero(t, h.backend.callCount())
}

func TestChainValidators(t *testing.T) {
	var calls []string
	pass := func(name string) Validator {
		return func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
			calls = append(calls, name)
			return nil, nil
		}
	}
	reject := func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		calls = append(calls, "reject")
		return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: "no"}}, nil
	}

	reply, err := ChainValidators(pass("a"), nil, reject, pass("b"))(context.Background(), textEvent("U1", "x"))
	require.NoError(t, err)
	assert.Len(t, reply, 1)
	assert.Equal(t, []string{"a", "reject"}, calls)
}

func TestDispatchHandlerWinsOverParser(t *testing.T) {
	h := newHarness(t, Options{})
	var parsed bool
	h.dispatcher.
		Parse(TagText, func(context.Context, webhook.EventInterface) (*model.NormalizedRequest, error) {
			parsed = true
			return &model.NormalizedRequest{Text: "x"}, nil
		}).
		Handle("message", func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
			return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: "handled"}}, nil
		})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))

	require.NoError(t, out.Err)
	assert.Equal(t, model.OutcomeHandled, out.Result)
	assert.Equal(t, []string{"handled"}, textsOf(t, out.Messages))
	assert.False(t, parsed)
	assert.Zero(t, h.backend.callCount())
}

func TestDispatchHandlerError(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.Handle("follow", func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		return nil, errors.New("greeting failed")
	})

	out := h.dispatcher.Dispatch(context.Background(), webhook.FollowEvent{
		Source:     webhook.UserSource{UserId: "U1"},
		ReplyToken: "rt",
	})
	assert.Equal(t, ErrorHandler, CodeOf(out.Err))
	assert.Len(t, out.Messages, 1)
}

func TestDispatchCustomParserReplacesBuiltin(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.Parse(TagText, func(_ context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
		msg, _ := messageContent[webhook.TextMessageContent](ev)
		return &model.NormalizedRequest{Text: "[prefixed] " + msg.Text}, nil
	})

	h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
	req := h.backend.lastCall()
	require.NotNil(t, req)
	assert.Equal(t, "[prefixed] hi", req.Text)
}

func TestDispatchUnsupportedTag(t *testing.T) {
	h := newHarness(t, Options{})

	out := h.dispatcher.Dispatch(context.Background(), messageEvent("U1", imagemapContent{}))

	require.Error(t, out.Err)
	assert.Equal(t, ErrorParsing, CodeOf(out.Err))
	assert.Equal(t, StateValidated, out.FailedAt)
	assert.Equal(t, []string{"Error 🥲"}, textsOf(t, out.Messages))
	assert.Zero(t, h.backend.callCount())
}

func TestDispatchDefaultHandler(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.HandleDefault(func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: "unsupported"}}, nil
	})

	out := h.dispatcher.Dispatch(context.Background(), webhook.JoinEvent{
		Source:     webhook.GroupSource{GroupId: "G1"},
		ReplyToken: "rt",
	})

	require.NoError(t, out.Err)
	assert.Equal(t, "G1", out.UserID)
	assert.Equal(t, []string{"unsupported"}, textsOf(t, out.Messages))
}

func TestDispatchParserFailureNamesCause(t *testing.T) {
	h := newHarness(t, Options{Fetcher: &fakeFetcher{err: errors.New("content expired")}})

	out := h.dispatcher.Dispatch(context.Background(), messageEvent("U1", webhook.ImageMessageContent{Id: "img"}))

	assert.Equal(t, ErrorParsing, CodeOf(out.Err))
	assert.Contains(t, out.Err.Error(), "content expired")
}

func TestDispatchMediaSendsFiles(t *testing.T) {
	fetcher := &fakeFetcher{att: &model.Attachment{Data: []byte{0xff, 0xd8}, ContentType: "image/jpeg"}}
	h := newHarness(t, Options{Fetcher: fetcher})

	out := h.dispatcher.Dispatch(context.Background(), messageEvent("U1", webhook.ImageMessageContent{Id: "img"}))

	require.NoError(t, out.Err)
	req := h.backend.lastCall()
	assert.Empty(t, req.Text)
	require.Len(t, req.Files, 1)
	assert.Equal(t, "image/jpeg", req.Files[0].ContentType)
}

func TestDispatchEmptyBackendText(t *testing.T) {
	t.Run("no reply", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.backend.invoke = replyWith("", "t1")

		out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
		require.NoError(t, out.Err)
		assert.Equal(t, model.OutcomeReplied, out.Result)
		assert.Empty(t, out.Messages)
	})

	t.Run("configured text", func(t *testing.T) {
		h := newHarness(t, Options{EmptyResponse: "(no answer)"})
		h.backend.invoke = replyWith("", "t1")

		out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
		assert.Equal(t, []string{"(no answer)"}, textsOf(t, out.Messages))
	})
}

func TestDispatchComposerError(t *testing.T) {
	h := newHarness(t, Options{})
	h.backend.invoke = replyWith("hi", "t1")
	h.dispatcher.Compose(func(context.Context, *model.BackendResult, *model.ConversationSession) ([]messaging_api.MessageInterface, error) {
		return nil, errors.New("bad template")
	})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))

	assert.Equal(t, ErrorComposer, CodeOf(out.Err))
	assert.Equal(t, StateBackendInvoked, out.FailedAt)

	sess, err := h.store.Get(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.ConversationID)
}

func TestDispatchComposerSeesCommittedSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.backend.invoke = replyWith("hi", "t9")

	var seen *model.ConversationSession
	h.dispatcher.Compose(func(_ context.Context, r *model.BackendResult, s *model.ConversationSession) ([]messaging_api.MessageInterface, error) {
		seen = s
		return nil, nil
	})

	h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
	require.NotNil(t, seen)
	assert.Equal(t, "t9", seen.ConversationID)
}

func TestDispatchInputs(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.BuildInputs(UserIDInputs("line_user_id"))

	h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
	assert.Equal(t, map[string]any{"line_user_id": "U1"}, h.backend.lastCall().Inputs)
}

func TestDispatchInputsError(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.BuildInputs(func(context.Context, webhook.EventInterface, *model.ConversationSession) (map[string]any, error) {
		return nil, errors.New("profile lookup failed")
	})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
	assert.Equal(t, ErrorInputs, CodeOf(out.Err))
	assert.Zero(t, h.backend.callCount())
}

type failingSessions struct{}

func (failingSessions) GetOrCreate(context.Context, string) (*model.ConversationSession, bool, error) {
	return nil, false, errors.New("database is locked")
}

func (failingSessions) Commit(context.Context, string, string) (*model.ConversationSession, error) {
	return nil, errors.New("database is locked")
}

func TestDispatchSessionStoreFailure(t *testing.T) {
	b := &fakeBackend{invoke: replyWith("hi", "t1")}
	d := NewDispatcher(failingSessions{}, b, Options{})

	out := d.Dispatch(context.Background(), textEvent("U1", "hi"))

	assert.Equal(t, ErrorSessionStore, CodeOf(out.Err))
	assert.Equal(t, StateParsed, out.FailedAt)
	assert.Zero(t, b.callCount())
}

func TestDispatchRecoversPanics(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.Handle("message", func(context.Context, webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		panic("nil map write")
	})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))

	assert.Equal(t, ErrorInternal, CodeOf(out.Err))
	assert.Contains(t, out.Err.Error(), "nil map write")
	assert.Len(t, out.Messages, 1)
}

func TestDispatchSkipsDuplicates(t *testing.T) {
	h := newHarness(t, Options{DedupeTTL: time.Minute})
	ev := textEvent("U1", "hi")

	first := h.dispatcher.Dispatch(context.Background(), ev)
	second := h.dispatcher.Dispatch(context.Background(), ev)

	assert.Equal(t, model.OutcomeReplied, first.Result)
	assert.Equal(t, model.OutcomeDuplicate, second.Result)
	assert.Empty(t, second.Messages)
	assert.Equal(t, 1, h.backend.callCount())
}

func TestDispatchWithoutDedupeProcessesRedeliveries(t *testing.T) {
	h := newHarness(t, Options{})
	ev := textEvent("U1", "hi")

	h.dispatcher.Dispatch(context.Background(), ev)
	h.dispatcher.Dispatch(context.Background(), ev)
	assert.Equal(t, 2, h.backend.callCount())
}

func TestDispatchPublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, Options{Publisher: pub})
	h.backend.invoke = replyWith("Hi there", "t1")

	h.dispatcher.Dispatch(context.Background(), textEvent("U1", "Hello"))
	h.dispatcher.Dispatch(context.Background(), messageEvent("U1", imagemapContent{}))

	require.Len(t, pub.events, 2)

	ok := pub.events[0]
	assert.NotEmpty(t, ok.ID)
	assert.Equal(t, "U1", ok.UserID)
	assert.Equal(t, "t1", ok.ConversationID)
	assert.Equal(t, model.OutcomeReplied, ok.Outcome)
	assert.True(t, ok.NewThread)

	failed := pub.events[1]
	assert.Equal(t, model.OutcomeErrored, failed.Outcome)
	assert.Equal(t, string(ErrorParsing), failed.Code)
	assert.Equal(t, string(StateValidated), failed.Stage)
}

func TestDispatchPublishFailureIsIgnored(t *testing.T) {
	h := newHarness(t, Options{Publisher: &fakePublisher{err: errors.New("nats: timeout")}})

	out := h.dispatcher.Dispatch(context.Background(), textEvent("U1", "hi"))
	assert.NoError(t, out.Err)
}

func TestDispatchBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.backend.invoke = func(req *model.BackendRequest) (*model.BackendResult, error) {
		if req.User == "U2" {
			return nil, errors.New("upstream 500")
		}
		return &model.BackendResult{Text: "reply to " + req.User, ConversationID: "t-" + req.User}, nil
	}

	outs := h.dispatcher.DispatchBatch(context.Background(), []webhook.EventInterface{
		textEvent("U1", "a"),
		textEvent("U2", "b"),
		textEvent("U3", "c"),
	})

	require.Len(t, outs, 3)
	assert.Equal(t, []string{"reply to U1"}, textsOf(t, outs[0].Messages))
	assert.Equal(t, ErrorBackend, CodeOf(outs[1].Err))
	assert.Equal(t, []string{"reply to U3"}, textsOf(t, outs[2].Messages))
}

func TestDispatchSerializesPerUser(t *testing.T) {
	h := newHarness(t, Options{SerializePerUser: true, MaxConcurrency: 8})

	var mu sync.Mutex
	active := map[string]int{}
	var overlap int32
	h.backend.invoke = func(req *model.BackendRequest) (*model.BackendResult, error) {
		mu.Lock()
		active[req.User]++
		if active[req.User] > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active[req.User]--
		mu.Unlock()
		return &model.BackendResult{Text: "ok", ConversationID: "t-" + req.User}, nil
	}

	var events []webhook.EventInterface
	for i := 0; i < 4; i++ {
		events = append(events, textEvent("U1", fmt.Sprintf("m%d", i)))
		events = append(events, textEvent("U2", fmt.Sprintf("m%d", i)))
	}

	outs := h.dispatcher.DispatchBatch(context.Background(), events)

	for _, o := range outs {
		assert.NoError(t, o.Err)
	}
	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.Equal(t, 8, h.backend.callCount())
}

func TestDispatchSecondMessageReusesThread(t *testing.T) {
	h := newHarness(t, Options{SerializePerUser: true})
	h.backend.invoke = func(req *model.BackendRequest) (*model.BackendResult, error) {
		conv := req.ConversationID
		if conv == "" {
			conv = "t1"
		}
		return &model.BackendResult{Text: "ok", ConversationID: conv}, nil
	}

	h.dispatcher.Dispatch(context.Background(), textEvent("U1", "first"))
	h.dispatcher.Dispatch(context.Background(), textEvent("U1", "second"))

	assert.Equal(t, "t1", h.backend.lastCall().ConversationID)
}

func TestDispatchRoutesEveryTagToItsParser(t *testing.T) {
	att := &model.Attachment{Data: []byte("bytes"), ContentType: "application/octet-stream"}
	user := webhook.UserSource{UserId: "U1"}

	tests := []struct {
		tag      string
		event    webhook.EventInterface
		text     string
		files    int
		filename string
	}{
		{TagText, textEvent("U1", "hello"), "hello", 0, ""},
		{TagImage, messageEvent("U1", webhook.ImageMessageContent{Id: "img-1"}), "", 1, ""},
		{TagVideo, messageEvent("U1", webhook.VideoMessageContent{Id: "vid-1"}), "", 1, ""},
		{TagAudio, messageEvent("U1", webhook.AudioMessageContent{Id: "aud-1"}), "", 1, ""},
		{TagFile, messageEvent("U1", webhook.FileMessageContent{Id: "file-1", FileName: "report.pdf"}), "", 1, "report.pdf"},
		{TagLocation, messageEvent("U1", webhook.LocationMessageContent{Id: "loc-1", Address: "Tokyo", Latitude: 35.1, Longitude: 139.2}),
			"You received a location info from user in messenger app:\n    - address: Tokyo\n    - latitude: 35.1\n    - longitude: 139.2", 0, ""},
		{TagSticker, messageEvent("U1", webhook.StickerMessageContent{Id: "st-1", Keywords: []string{"wave"}}),
			"You received a sticker from user in messenger app: wave", 0, ""},
		{TagPostback, webhook.PostbackEvent{Source: user, ReplyToken: "rt", Postback: &webhook.PostbackContent{Data: "action=buy"}}, "action=buy", 0, ""},
		{TagFollow, webhook.FollowEvent{Source: user, ReplyToken: "rt"}, followText, 0, ""},
		{TagUnfollow, webhook.UnfollowEvent{Source: user}, unfollowText, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			fetcher := &fakeFetcher{att: att}
			h := newHarness(t, Options{Fetcher: fetcher})

			calls := make(map[string]int)
			for tag, p := range BuiltinParsers(fetcher) {
				tag, p := tag, p
				h.dispatcher.Parse(tag, func(ctx context.Context, ev webhook.EventInterface) (*model.NormalizedRequest, error) {
					calls[tag]++
					return p(ctx, ev)
				})
			}

			out := h.dispatcher.Dispatch(context.Background(), tt.event)

			require.NoError(t, out.Err)
			assert.Equal(t, tt.tag, out.Tag)
			assert.Equal(t, map[string]int{tt.tag: 1}, calls)
			require.Equal(t, 1, h.backend.callCount())

			req := h.backend.lastCall()
			assert.Equal(t, tt.text, req.Text)
			require.Len(t, req.Files, tt.files)
			if tt.files > 0 {
				assert.Equal(t, []byte("bytes"), req.Files[0].Data)
				assert.Len(t, fetcher.ids, 1)
			}
			if tt.filename != "" {
				assert.Equal(t, tt.filename, req.Files[0].Filename)
			}
		})
	}
}
