package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"family-assistant/internal/domain"
)

const (
	defaultMaxTokens   int32   = 4096
	defaultTemperature float32 = 0.7
)

// converseAPI is the subset of *bedrockruntime.Client used here.
type converseAPI interface {
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// eventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// Client streams completions through the Bedrock Converse API.
type Client struct {
	open        func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error)
	maxTokens   int32
	temperature float32
}

type Option func(*Client)

func WithMaxTokens(n int32) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

func NewClient(api converseAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	c := &Client{
		open: func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error) {
			out, err := api.ConverseStream(ctx, in)
			if err != nil {
				return nil, err
			}
			return out.GetStream(), nil
		},
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StreamCompletion starts a ConverseStream call. The returned channel is closed after
// a terminal event, or without one if the stream ends before Bedrock reports a stop.
func (c *Client) StreamCompletion(ctx context.Context, in domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if strings.TrimSpace(in.Model) == "" {
		return nil, errors.New("bedrock: model must not be empty")
	}
	stream, err := c.open(ctx, c.converseInput(in))
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	events := make(chan domain.StreamEvent)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()
		relay(ctx, stream, events)
	}()
	return events, nil
}

func (c *Client) converseInput(in domain.CompletionRequest) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(in.Model),
		Messages: alternating(in.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.maxTokens),
			Temperature: aws.Float32(c.temperature),
		},
	}
	if strings.TrimSpace(in.SystemPrompt) != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: in.SystemPrompt}}
	}
	return input
}

// alternating shapes history the way Converse requires: the first message is from
// the user and roles alternate. A turn whose reply was never stored leaves two user
// messages in a row; they are merged into one message with a content block each.
func alternating(history []domain.ChatMessage) []types.Message {
	messages := make([]types.Message, 0, len(history))
	for _, m := range history {
		role := types.ConversationRoleUser
		if m.Role == string(domain.RoleAssistant) {
			role = types.ConversationRoleAssistant
		}
		if len(messages) == 0 && role == types.ConversationRoleAssistant {
			continue
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			continue
		}
		messages = append(messages, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	return messages
}

// relay converts Converse stream events. Usage metadata follows messageStop, so Done
// is only emitted once the event channel drains cleanly.
func relay(ctx context.Context, stream eventReader, events chan<- domain.StreamEvent) {
	emit := func(ev domain.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var text strings.Builder
	var inputTokens, outputTokens int
	stopped := false
	for raw := range stream.Events() {
		switch ev := raw.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText)
			if !ok || delta.Value == "" {
				continue
			}
			text.WriteString(delta.Value)
			if !emit(domain.StreamEvent{Type: domain.StreamDelta, Text: delta.Value}) {
				return
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			stopped = true
		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				inputTokens = int(aws.ToInt32(u.InputTokens))
				outputTokens = int(aws.ToInt32(u.OutputTokens))
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(domain.StreamEvent{Type: domain.StreamError, Err: fmt.Errorf("bedrock: stream: %w", err)})
		return
	}
	if stopped {
		emit(domain.StreamEvent{Type: domain.StreamDone, Text: text.String(), InputTokens: inputTokens, OutputTokens: outputTokens})
	}
}
