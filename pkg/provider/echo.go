package provider

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/parlor/pkg/streaming"
)

// Echo streams the last user message back word by word.
type Echo struct {
	Delay time.Duration
}

var _ streaming.Provider = &Echo{}

func (e *Echo) Stream(ctx context.Context, req streaming.GenerationRequest) (<-chan streaming.Chunk, error) {
	words := strings.Fields(lastUserText(req.Messages))
	chunks := make([]string, 0, len(words)+1)
	chunks = append(chunks, "You said:")
	for _, w := range words {
		chunks = append(chunks, " "+w)
	}
	out := make(chan streaming.Chunk)
	go emit(ctx, out, chunks, e.Delay, nil, false)
	return out, nil
}
