// Package provider contains the generation backends the orchestrator streams from.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/streaming"
)

// Settings selects and configures a provider.
type Settings struct {
	Kind       string        `mapstructure:"kind"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api-key"`
	BaseURL    string        `mapstructure:"base-url"`
	Script     string        `mapstructure:"script"`
	ChunkDelay time.Duration `mapstructure:"chunk-delay"`
}

// New builds the provider named by s.Kind.
func New(s Settings) (streaming.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "", "echo":
		return &Echo{Delay: s.ChunkDelay}, nil
	case "scripted":
		script, err := LoadScript(s.Script)
		if err != nil {
			return nil, err
		}
		if s.ChunkDelay > 0 && script.ChunkDelay == 0 {
			script.ChunkDelay = s.ChunkDelay
		}
		return NewScripted(script), nil
	case "openai":
		return NewOpenAI(s)
	default:
		return nil, errors.Errorf("unknown provider kind %q", s.Kind)
	}
}

func lastUserText(msgs []chat.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// emit streams chunks with an optional delay, then failErr if set. The
// channel is closed when done or when ctx is canceled.
func emit(ctx context.Context, out chan<- streaming.Chunk, chunks []string, delay time.Duration, failErr error, stall bool) {
	defer close(out)
	send := func(c streaming.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for _, text := range chunks {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if !send(streaming.Chunk{Text: text}) {
			return
		}
	}
	if failErr != nil {
		send(streaming.Chunk{Err: failErr})
		return
	}
	if stall {
		<-ctx.Done()
	}
}
