package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"family-assistant/internal/domain"
)

type TurnState int

const (
	StateResolvingConversation TurnState = iota
	StatePersistingUserTurn
	StateStreamingModel
	StatePersistingAssistantTurn
	StateDone
	StateError
)

func (s TurnState) String() string {
	switch s {
	case StateResolvingConversation:
		return "RESOLVING_CONVERSATION"
	case StatePersistingUserTurn:
		return "PERSISTING_USER_TURN"
	case StateStreamingModel:
		return "STREAMING_MODEL"
	case StatePersistingAssistantTurn:
		return "PERSISTING_ASSISTANT_TURN"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Turn is one accepted chat request whose user message is already stored.
type Turn struct {
	Conversation domain.Conversation
	UserMessage  domain.Message

	svc     *ChatService
	log     *zap.Logger
	model   string
	request domain.CompletionRequest
	state   TurnState
}

func (t *Turn) State() TurnState {
	return t.state
}

func (t *Turn) Model() string {
	return t.model
}

func (t *Turn) setState(log *zap.Logger, next TurnState) {
	log.Debug("chat turn state", zap.Stringer("from", t.state), zap.Stringer("to", next))
	t.state = next
}

// Stream relays the model output to sink and commits the assistant message.
//
// The provider call and the final writes are detached from ctx: a client that goes
// away stops receiving events but the answer is still drained and stored. Exactly one
// terminal event (message_done or error) is offered to the sink.
func (t *Turn) Stream(ctx context.Context, sink EventSink) TurnState {
	convID := t.Conversation.ID
	work := context.WithoutCancel(ctx)
	out := &relay{ctx: ctx, sink: sink, log: t.log}

	t.setState(t.log, StateStreamingModel)
	events, err := t.svc.provider.StreamCompletion(work, t.request)
	if err != nil {
		t.log.Error("model stream failed to start", zap.Error(err))
		return t.fail(out, providerFailureMessage)
	}

	var text strings.Builder
	var done *domain.StreamEvent
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case domain.StreamDelta:
			if ev.Text == "" {
				continue
			}
			text.WriteString(ev.Text)
			out.send(domain.ChatEvent{Type: domain.EventTextDelta, Content: ev.Text, ConversationID: convID})
		case domain.StreamDone:
			final := ev
			done = &final
		case domain.StreamError:
			streamErr = ev.Err
			if streamErr == nil {
				streamErr = errors.New(ev.Text)
			}
		}
	}
	if streamErr != nil {
		t.log.Error("model stream failed", zap.Error(streamErr), zap.Int("partial_bytes", text.Len()))
		return t.fail(out, providerFailureMessage)
	}
	if done == nil {
		t.log.Error("model stream interrupted", zap.String("reason", interruptedStreamReason), zap.Int("partial_bytes", text.Len()))
		return t.fail(out, providerFailureMessage)
	}

	content := text.String()
	if content == "" {
		content = done.Text
	}
	tokens := done.InputTokens + done.OutputTokens

	t.setState(t.log, StatePersistingAssistantTurn)
	msg, err := t.persistAssistant(work, content, tokens)
	if err != nil {
		t.log.Error("assistant message write failed", zap.Error(err), zap.Int("attempts", t.svc.persistAttempts))
		return t.fail(out, persistFailureMessage)
	}
	if err := t.svc.convs.Touch(work, convID, msg.CreatedAt); err != nil {
		t.log.Warn("conversation recency update failed", zap.Error(err))
	}

	t.setState(t.log, StateDone)
	out.send(domain.ChatEvent{Type: domain.EventMessageDone, ConversationID: convID, MessageID: msg.ID})
	t.log.Info("chat turn complete",
		zap.String("message_id", msg.ID),
		zap.String("model", t.model),
		zap.Int("tokens_used", tokens),
		zap.Bool("client_gone", out.stopped),
	)
	return StateDone
}

// persistAssistant retries the write a bounded number of times with linear backoff.
func (t *Turn) persistAssistant(ctx context.Context, content string, tokens int) (domain.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= t.svc.persistAttempts; attempt++ {
		msg, err := t.svc.msgs.Append(ctx, t.Conversation.ID, domain.RoleAssistant, content, t.model, &tokens)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		t.log.Warn("assistant message write attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < t.svc.persistAttempts {
			time.Sleep(time.Duration(attempt) * t.svc.persistBackoff)
		}
	}
	return domain.Message{}, lastErr
}

func (t *Turn) fail(out *relay, message string) TurnState {
	t.setState(t.log, StateError)
	out.send(domain.ChatEvent{Type: domain.EventError, Content: message})
	return StateError
}

// relay forwards events until the client context ends or a send fails.
type relay struct {
	ctx     context.Context
	sink    EventSink
	log     *zap.Logger
	stopped bool
}

func (r *relay) send(ev domain.ChatEvent) {
	if r.stopped {
		return
	}
	if err := r.ctx.Err(); err != nil {
		r.stop(err)
		return
	}
	if err := r.sink.Send(ev); err != nil {
		r.stop(err)
	}
}

func (r *relay) stop(err error) {
	r.stopped = true
	r.log.Info("client stream closed, draining model output", zap.Error(err))
}
