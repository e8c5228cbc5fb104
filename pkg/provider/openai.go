package provider

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/streaming"
)

const DefaultOpenAIModel = openai.GPT4oMini

// OpenAI streams chat completions from an OpenAI-compatible API.
type OpenAI struct {
	client *openai.Client
	model  string
}

var _ streaming.Provider = &OpenAI{}

func NewOpenAI(s Settings) (*OpenAI, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("openai provider: api key is empty")
	}
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	model := s.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func toOpenAIMessages(msgs []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case chat.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case chat.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func (p *OpenAI) Stream(ctx context.Context, req streaming.GenerationRequest) (<-chan streaming.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "openai: create chat completion stream")
	}

	out := make(chan streaming.Chunk)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- streaming.Chunk{Err: errors.Wrap(err, "openai: receive")}:
				case <-ctx.Done():
				}
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case out <- streaming.Chunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					log.Debug().Str("component", "provider").Str("conv_id", req.ConversationID).Msg("openai stream abandoned")
					return
				}
			}
		}
	}()
	return out, nil
}
