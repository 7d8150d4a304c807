package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"family-assistant/internal/domain"
)

// DefaultSystemPrompt is used when neither configuration nor Parameter Store supply one.
const DefaultSystemPrompt = "You are a helpful family assistant. Be warm, friendly, and supportive."

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// PromptSource resolves the system prompt. When a parameter store and prefix are
// configured, "<prefix>/system_prompt" wins over the configured fallback. The
// resolved value is cached for the life of the process.
type PromptSource struct {
	params      ParamGetter
	paramPrefix string
	fallback    string
	isNotFound  func(error) bool

	cacheMu     sync.RWMutex
	cacheLoaded bool
	prompt      string
}

// NewPromptSource builds a prompt source. params may be nil, in which case the
// fallback is always used. isNotFound classifies store errors that mean "no override".
func NewPromptSource(params ParamGetter, paramPrefix, fallback string, isNotFound func(error) bool) *PromptSource {
	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		fallback = DefaultSystemPrompt
	}
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &PromptSource{
		params:      params,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		fallback:    fallback,
		isNotFound:  isNotFound,
	}
}

func (p *PromptSource) SystemPrompt(ctx context.Context) (string, error) {
	p.cacheMu.RLock()
	if p.cacheLoaded {
		prompt := p.prompt
		p.cacheMu.RUnlock()
		return prompt, nil
	}
	p.cacheMu.RUnlock()

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cacheLoaded {
		return p.prompt, nil
	}

	prompt := p.fallback
	if p.params != nil && p.paramPrefix != "" {
		v, err := p.params.GetParameter(ctx, p.paramPrefix+"/system_prompt")
		switch {
		case err == nil && strings.TrimSpace(v) != "":
			prompt = strings.TrimSpace(v)
		case err != nil && !p.isNotFound(err):
			return "", fmt.Errorf("usecase: load system prompt: %w", err)
		}
	}
	p.prompt = prompt
	p.cacheLoaded = true
	return prompt, nil
}

// historyToPromptMessages keeps the chronological order and drops empty turns,
// which providers reject.
func historyToPromptMessages(history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, domain.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// conversationTitle is the first 50 characters of the opening message, with "..."
// appended when anything was cut.
func conversationTitle(message string) string {
	const maxTitleRunes = 50
	runes := []rune(message)
	if len(runes) <= maxTitleRunes {
		return message
	}
	return string(runes[:maxTitleRunes]) + "..."
}

var errNoPromptSource = errors.New("usecase: system prompt source must not be nil")
