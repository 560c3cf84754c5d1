// Package service implements the event pipeline that turns LINE webhook
// events into backend conversations and replies.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/pkg/logger"
	"github.com/capitalize-ai/line-relay/pkg/metrics"
)

// State is a step of the per-event state machine.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateValidated       State = "VALIDATED"
	StateParsed          State = "PARSED"
	StateSessionResolved State = "SESSION_RESOLVED"
	StateBackendInvoked  State = "BACKEND_INVOKED"
	StateComposed        State = "COMPOSED"
	StateDone            State = "DONE"
	StateErrored         State = "ERRORED"
)

const (
	defaultErrorResponse  = "Error 🥲"
	defaultMaxConcurrency = 10
)

// Validator inspects an event before any processing. A non-empty reply
// short-circuits the pipeline and is sent as is.
type Validator func(ctx context.Context, event webhook.EventInterface) ([]messaging_api.MessageInterface, error)

// Handler fully processes one event type and returns its reply.
type Handler func(ctx context.Context, event webhook.EventInterface) ([]messaging_api.MessageInterface, error)

// InputsBuilder builds the auxiliary backend inputs for an event.
type InputsBuilder func(ctx context.Context, event webhook.EventInterface, session *model.ConversationSession) (map[string]any, error)

// ErrorReplyBuilder builds the reply sent when processing fails.
type ErrorReplyBuilder func(ctx context.Context, event webhook.EventInterface, err error) []messaging_api.MessageInterface

// SessionManager resolves and commits conversation sessions.
type SessionManager interface {
	GetOrCreate(ctx context.Context, userID string) (*model.ConversationSession, bool, error)
	Commit(ctx context.Context, userID, conversationID string) (*model.ConversationSession, error)
}

// Backend invokes the conversational backend.
type Backend interface {
	Invoke(ctx context.Context, req *model.BackendRequest) (*model.BackendResult, error)
}

// EventPublisher records dispatched events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// Options configures a Dispatcher.
type Options struct {
	// ErrorResponse is the text of the default error reply.
	ErrorResponse string
	// EmptyResponse is sent when the backend answers with blank text.
	// Empty means no reply.
	EmptyResponse string
	// SerializePerUser runs at most one event per user at a time.
	SerializePerUser bool
	// MaxConcurrency bounds parallel events within a batch.
	MaxConcurrency int
	// DedupeTTL drops events whose webhook event id was seen within the
	// window. Zero disables deduplication.
	DedupeTTL time.Duration

	Fetcher   ContentFetcher
	Publisher EventPublisher
	Logger    *logger.Logger
}

// Outcome is the result of dispatching one event.
type Outcome struct {
	EventType      string
	Tag            string
	UserID         string
	ReplyToken     string
	WebhookEventID string

	State    State
	FailedAt State
	Result   model.EventOutcome
	Messages []messaging_api.MessageInterface
	Err      error

	session   *model.ConversationSession
	newThread bool
}

func (o *Outcome) advance(s State) {
	o.State = s
}

// Dispatcher routes events through validation, parsing, session
// resolution, backend invocation and composition. Registration methods
// must be called before the dispatcher starts serving.
type Dispatcher struct {
	sessions SessionManager
	backend  Backend
	logger   *logger.Logger
	tracer   trace.Tracer

	validator      Validator
	handlers       map[string]Handler
	defaultHandler Handler
	parsers        map[string]Parser
	inputs         InputsBuilder
	composer       Composer
	onError        ErrorReplyBuilder

	publisher      EventPublisher
	locks          *userLocks
	seen           *gocache.Cache
	dedupeTTL      time.Duration
	maxConcurrency int
}

// NewDispatcher creates a dispatcher with the built-in parsers, composer
// and error reply.
func NewDispatcher(sessions SessionManager, backend Backend, opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}

	errorText := opts.ErrorResponse
	if errorText == "" {
		errorText = defaultErrorResponse
	}

	d := &Dispatcher{
		sessions:       sessions,
		backend:        backend,
		logger:         log,
		tracer:         otel.Tracer("github.com/capitalize-ai/line-relay/internal/service"),
		handlers:       make(map[string]Handler),
		parsers:        BuiltinParsers(opts.Fetcher),
		inputs:         EmptyInputs,
		composer:       DefaultComposer(opts.EmptyResponse),
		onError:        StaticErrorReply(errorText),
		publisher:      opts.Publisher,
		dedupeTTL:      opts.DedupeTTL,
		maxConcurrency: opts.MaxConcurrency,
	}
	if d.maxConcurrency <= 0 {
		d.maxConcurrency = defaultMaxConcurrency
	}
	if opts.SerializePerUser {
		d.locks = newUserLocks()
	}
	if opts.DedupeTTL > 0 {
		d.seen = gocache.New(opts.DedupeTTL, 2*opts.DedupeTTL)
	}
	return d
}

// Validate sets the event validator.
func (d *Dispatcher) Validate(v Validator) *Dispatcher {
	d.validator = v
	return d
}

// Handle registers a handler for an event type ("message", "postback", ...).
// A handler takes precedence over any parser for the same event.
func (d *Dispatcher) Handle(eventType string, h Handler) *Dispatcher {
	d.handlers[eventType] = h
	return d
}

// HandleDefault registers a catch-all handler for tags without a parser.
func (d *Dispatcher) HandleDefault(h Handler) *Dispatcher {
	d.defaultHandler = h
	return d
}

// Parse registers a parser for a message type or non-message event type,
// replacing any built-in parser for that tag.
func (d *Dispatcher) Parse(tag string, p Parser) *Dispatcher {
	d.parsers[tag] = p
	return d
}

// BuildInputs sets the inputs builder.
func (d *Dispatcher) BuildInputs(b InputsBuilder) *Dispatcher {
	d.inputs = b
	return d
}

// Compose sets the response composer.
func (d *Dispatcher) Compose(c Composer) *Dispatcher {
	d.composer = c
	return d
}

// OnError sets the error reply builder.
func (d *Dispatcher) OnError(b ErrorReplyBuilder) *Dispatcher {
	d.onError = b
	return d
}

// EmptyInputs sends no auxiliary inputs.
func EmptyInputs(context.Context, webhook.EventInterface, *model.ConversationSession) (map[string]any, error) {
	return map[string]any{}, nil
}

// UserIDInputs passes the platform user id to the backend under key.
func UserIDInputs(key string) InputsBuilder {
	return func(_ context.Context, _ webhook.EventInterface, s *model.ConversationSession) (map[string]any, error) {
		return map[string]any{key: s.UserID}, nil
	}
}

// StaticErrorReply always replies with text.
func StaticErrorReply(text string) ErrorReplyBuilder {
	return func(context.Context, webhook.EventInterface, error) []messaging_api.MessageInterface {
		return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}}
	}
}

// ChainValidators runs validators in order and returns the first non-empty
// reply or error.
func ChainValidators(validators ...Validator) Validator {
	return func(ctx context.Context, ev webhook.EventInterface) ([]messaging_api.MessageInterface, error) {
		for _, v := range validators {
			if v == nil {
				continue
			}
			reply, err := v(ctx, ev)
			if err != nil || len(reply) > 0 {
				return reply, err
			}
		}
		return nil, nil
	}
}

// DispatchBatch processes the events of one webhook delivery concurrently.
// Outcomes are returned in input order; failures never cross events.
func (d *Dispatcher) DispatchBatch(ctx context.Context, events []webhook.EventInterface) []*Outcome {
	outcomes := make([]*Outcome, len(events))

	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			outcomes[i] = d.Dispatch(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// Dispatch processes a single event. It never fails: errors are turned into
// the error reply and reported on the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, ev webhook.EventInterface) *Outcome {
	start := time.Now()
	info := describe(ev)

	out := &Outcome{
		EventType:      info.eventType,
		Tag:            info.tag,
		UserID:         info.userID,
		ReplyToken:     info.replyToken,
		WebhookEventID: info.webhookEventID,
		State:          StateReceived,
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+info.eventType, trace.WithAttributes(
		attribute.String("line.event_type", info.eventType),
		attribute.String("line.tag", info.tag),
		attribute.String("line.user_id", info.userID),
		attribute.String("line.webhook_event_id", info.webhookEventID),
	))
	defer span.End()

	log := d.logger.With(
		zap.String("event_id", info.webhookEventID),
		zap.String("user_id", info.userID),
		zap.String("event_type", info.eventType),
		zap.String("tag", info.tag),
	)

	if d.isDuplicate(info.webhookEventID) {
		log.Info("skipping redelivered event")
		metrics.DuplicateEvents.Inc()
		out.State = StateDone
		out.Result = model.OutcomeDuplicate
		return out
	}

	metrics.InflightEvents.Inc()
	defer metrics.InflightEvents.Dec()

	msgs, err := d.safeRun(ctx, ev, info, out, span)
	if err != nil {
		out.FailedAt = out.State
		out.State = StateErrored
		out.Result = model.OutcomeErrored
		out.Err = err
		out.Messages = d.onError(ctx, ev, err)

		code := CodeOf(err)
		log.Error("event processing failed",
			zap.String("stage", string(out.FailedAt)),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		metrics.RecordFailure(string(out.FailedAt), string(code))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
	} else {
		out.State = StateDone
		out.Messages = msgs
		log.Debug("event processed",
			zap.String("result", string(out.Result)),
			zap.Int("messages", len(msgs)),
		)
	}
	span.SetAttributes(attribute.String("relay.result", string(out.Result)))

	elapsed := time.Since(start)
	metrics.RecordEvent(info.eventType, string(out.Result), elapsed.Seconds())
	d.publish(ctx, out, elapsed, log)

	return out
}

func (d *Dispatcher) isDuplicate(webhookEventID string) bool {
	if d.seen == nil || webhookEventID == "" {
		return false
	}
	// Add fails when the key is already present and unexpired.
	return d.seen.Add(webhookEventID, struct{}{}, d.dedupeTTL) != nil
}

func (d *Dispatcher) safeRun(ctx context.Context, ev webhook.EventInterface, info eventInfo, out *Outcome, span trace.Span) (msgs []messaging_api.MessageInterface, err error) {
	defer func() {
		if r := recover(); r != nil {
			msgs = nil
			err = NewError(ErrorInternal, "panic during event processing", fmt.Errorf("%v", r))
		}
	}()
	return d.run(ctx, ev, info, out, span)
}

func (d *Dispatcher) run(ctx context.Context, ev webhook.EventInterface, info eventInfo, out *Outcome, span trace.Span) ([]messaging_api.MessageInterface, error) {
	step := func(s State) {
		out.advance(s)
		span.AddEvent(string(s))
	}

	if d.validator != nil {
		reply, err := d.validator(ctx, ev)
		if err != nil {
			return nil, classify(ErrorValidation, "validator failed", err)
		}
		if len(reply) > 0 {
			step(StateValidated)
			out.Result = model.OutcomeRejected
			return reply, nil
		}
	}
	step(StateValidated)

	if h, ok := d.handlers[info.eventType]; ok {
		reply, err := h(ctx, ev)
		if err != nil {
			return nil, classify(ErrorHandler, "handler for "+info.eventType+" failed", err)
		}
		out.Result = model.OutcomeHandled
		return reply, nil
	}

	parser, ok := d.parsers[info.tag]
	if !ok {
		if d.defaultHandler != nil {
			reply, err := d.defaultHandler(ctx, ev)
			if err != nil {
				return nil, classify(ErrorHandler, "default handler failed", err)
			}
			out.Result = model.OutcomeHandled
			return reply, nil
		}
		parser = ParseFallback
	}

	req, err := parser(ctx, ev)
	if err != nil {
		return nil, classify(ErrorParsing, "cannot parse "+info.tag, err)
	}
	if req == nil {
		return nil, NewError(ErrorParsing, "parser for "+info.tag+" returned no request", nil)
	}
	step(StateParsed)

	release := func() {}
	if d.locks != nil {
		release = d.locks.lock(info.userID)
	}
	defer release()

	session, isNew, err := d.sessions.GetOrCreate(ctx, info.userID)
	if err != nil {
		return nil, classify(ErrorSessionStore, "cannot resolve session", err)
	}
	out.newThread = isNew
	step(StateSessionResolved)

	inputs, err := d.inputs(ctx, ev, session)
	if err != nil {
		return nil, classify(ErrorInputs, "cannot build inputs", err)
	}

	result, err := d.backend.Invoke(ctx, &model.BackendRequest{
		Text:           req.Text,
		Files:          req.Files,
		ConversationID: session.ConversationID,
		User:           info.userID,
		Inputs:         inputs,
	})
	if err != nil {
		return nil, classify(ErrorBackend, "backend invocation failed", err)
	}
	step(StateBackendInvoked)

	session, err = d.sessions.Commit(ctx, info.userID, result.ConversationID)
	if err != nil {
		return nil, classify(ErrorSessionStore, "cannot commit session", err)
	}
	out.session = session
	release()
	if isNew {
		metrics.ThreadsStarted.Inc()
	}

	msgs, err := d.composer(ctx, result, session)
	if err != nil {
		return nil, classify(ErrorComposer, "composer failed", err)
	}
	step(StateComposed)

	out.Result = model.OutcomeReplied
	return msgs, nil
}

func (d *Dispatcher) publish(ctx context.Context, out *Outcome, elapsed time.Duration, log *logger.Logger) {
	if d.publisher == nil {
		return
	}

	ev := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		WebhookEventID: out.WebhookEventID,
		UserID:         out.UserID,
		EventType:      out.EventType,
		Tag:            out.Tag,
		Outcome:        out.Result,
		NewThread:      out.newThread,
		DurationMs:     elapsed.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if out.session != nil {
		ev.ConversationID = out.session.ConversationID
	}
	if out.Err != nil {
		ev.Stage = string(out.FailedAt)
		ev.Code = string(CodeOf(out.Err))
		ev.Reason = out.Err.Error()
	}

	if _, err := d.publisher.PublishEvent(ctx, ev); err != nil {
		metrics.NATSPublishFailures.Inc()
		log.Warn("failed to publish conversation event", zap.Error(err))
	}
}
