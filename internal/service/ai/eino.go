package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"mathtutor/internal/config"
)

// NewChatOpener picks the chat backend for the configured provider. The
// native gemini provider reuses the vision client; the others go through eino.
func NewChatOpener(ctx context.Context, cfg *config.Config, vision *GeminiClient) (ChatOpener, error) {
	provider := cfg.Chat.Provider
	if provider == config.ProviderGemini {
		if vision == nil {
			return nil, errors.New("gemini chat requires a gemini client")
		}
		if cfg.Chat.Model == vision.model {
			return vision, nil
		}
		return &GeminiClient{client: vision.client, model: cfg.Chat.Model}, nil
	}
	chatModel, err := newEinoModel(ctx, provider, cfg.ChatProvider(), vision)
	if err != nil {
		return nil, err
	}
	return NewEinoOpener(chatModel), nil
}

func newEinoModel(ctx context.Context, provider string, provCfg config.ProviderConfig, vision *GeminiClient) (model.BaseChatModel, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini-eino":
		if vision == nil {
			return nil, errors.New("gemini-eino requires a gemini client")
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: vision.Client(),
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// EinoOpener opens sessions over any eino chat model.
type EinoOpener struct {
	model model.BaseChatModel
}

func NewEinoOpener(m model.BaseChatModel) *EinoOpener {
	return &EinoOpener{model: m}
}

func (o *EinoOpener) OpenChat(ctx context.Context, systemInstruction string) (ChatSession, error) {
	if o.model == nil {
		return nil, errors.New("chat model is not initialised")
	}
	return &einoChat{
		model:   o.model,
		history: []*schema.Message{schema.SystemMessage(systemInstruction)},
	}, nil
}

// einoChat keeps the conversation itself since eino models are stateless.
type einoChat struct {
	model   model.BaseChatModel
	mu      sync.RWMutex
	history []*schema.Message
}

func (c *einoChat) Send(ctx context.Context, prompt string) (string, error) {
	user := schema.UserMessage(prompt)
	resp, err := c.model.Generate(ctx, c.withTurn(user))
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	c.appendHistory(user, schema.AssistantMessage(resp.Content, nil))
	return resp.Content, nil
}

func (c *einoChat) SendStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		user := schema.UserMessage(prompt)
		streamReader, err := c.model.Stream(ctx, c.withTurn(user))
		if err != nil {
			yield("", fmt.Errorf("generate ai stream failed: %w", err))
			return
		}
		defer streamReader.Close()

		var full strings.Builder
		for {
			chunk, err := streamReader.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield("", fmt.Errorf("receive stream: %w", err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			full.WriteString(chunk.Content)
			if !yield(chunk.Content, nil) {
				return
			}
		}
		c.appendHistory(user, schema.AssistantMessage(full.String(), nil))
	}
}

// withTurn returns the history followed by the pending user turn without
// recording it.
func (c *einoChat) withTurn(user *schema.Message) []*schema.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	messages := make([]*schema.Message, 0, len(c.history)+1)
	messages = append(messages, c.history...)
	return append(messages, user)
}

func (c *einoChat) appendHistory(msgs ...*schema.Message) {
	c.mu.Lock()
	c.history = append(c.history, msgs...)
	c.mu.Unlock()
}
