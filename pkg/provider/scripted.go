package provider

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/parlor/pkg/streaming"
)

// Script is a canned set of replies, loaded from YAML:
//
//	chunk_delay: 20ms
//	replies:
//	  - match: weather
//	    chunks: ["It is ", "sunny."]
//	  - chunks: ["I ", "don't ", "know"]
//	    fail_after: 2
//	    error: upstream hiccup
type Script struct {
	ChunkDelay time.Duration `yaml:"chunk_delay"`
	Replies    []Reply       `yaml:"replies"`
}

type Reply struct {
	// Match selects the reply when the last user message contains it. Empty matches anything.
	Match  string   `yaml:"match"`
	Chunks []string `yaml:"chunks"`
	// FailAfter > 0 ends the stream with Error after that many chunks.
	FailAfter int    `yaml:"fail_after"`
	Error     string `yaml:"error"`
	// Stall keeps the stream open without output after the chunks.
	Stall bool `yaml:"stall"`
}

func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, errors.Wrap(err, "parse provider script")
	}
	if len(s.Replies) == 0 {
		return Script{}, errors.New("provider script has no replies")
	}
	return s, nil
}

func LoadScript(path string) (Script, error) {
	if strings.TrimSpace(path) == "" {
		return Script{}, errors.New("provider script path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, errors.Wrapf(err, "read provider script %s", path)
	}
	return ParseScript(data)
}

// Scripted replays a Script.
type Scripted struct {
	script Script

	mu    sync.Mutex
	calls int
}

var _ streaming.Provider = &Scripted{}

func NewScripted(s Script) *Scripted {
	return &Scripted{script: s}
}

func (p *Scripted) Stream(ctx context.Context, req streaming.GenerationRequest) (<-chan streaming.Chunk, error) {
	text := lastUserText(req.Messages)
	var reply *Reply
	for i := range p.script.Replies {
		r := &p.script.Replies[i]
		if r.Match == "" || strings.Contains(text, r.Match) {
			reply = r
			break
		}
	}
	if reply == nil {
		return nil, errors.Errorf("no scripted reply matches %q", text)
	}
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	chunks := reply.Chunks
	var failErr error
	if reply.FailAfter > 0 {
		if reply.FailAfter < len(chunks) {
			chunks = chunks[:reply.FailAfter]
		}
		msg := reply.Error
		if msg == "" {
			msg = "scripted failure"
		}
		failErr = errors.New(msg)
	}
	out := make(chan streaming.Chunk)
	go emit(ctx, out, chunks, p.script.ChunkDelay, failErr, reply.Stall)
	return out, nil
}

// Calls reports how many streams were started.
func (p *Scripted) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
