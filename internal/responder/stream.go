package responder

import (
	"context"
	"iter"
	"sync"

	"github.com/loqalabs/loqa-speak/internal/llm"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/speech"
)

// generation holds the outcome of one generator run.
type generation struct {
	mu  sync.Mutex
	err error
}

func (g *generation) set(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *generation) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// tokens runs the generator on its own goroutine and exposes its output as
// a token sequence. Stopping the sequence early cancels the generator.
func (s *Service) tokens(ctx context.Context, req protocol.SpeakRequest, tier string, gen *generation) iter.Seq[speech.Token] {
	llmReq := llm.OptionsFromConfig(s.llmCfg, tier)
	llmReq.SessionID = req.SessionID
	llmReq.TraceID = req.TraceID
	llmReq.Prompt = req.Prompt
	llmReq.System = req.System

	return func(yield func(speech.Token) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan llm.Chunk)
		done := make(chan error, 1)
		go func() {
			defer close(chunks)
			done <- s.generator.Generate(ctx, llmReq, func(c llm.Chunk) error {
				select {
				case chunks <- c:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		for c := range chunks {
			if !yield(chunkToken(c)) {
				cancel()
				for range chunks {
				}
				return
			}
		}
		gen.set(<-done)
	}
}

func chunkToken(c llm.Chunk) speech.Token {
	switch speech.Key(c.Key) {
	case "", speech.KeyAssistant:
		return speech.Text(c.Content)
	case speech.KeyConfirm:
		return speech.Confirm(c.Language, c.Code)
	default:
		return speech.Raw(c.Key, c.Content)
	}
}

func single(tok speech.Token) iter.Seq[speech.Token] {
	return func(yield func(speech.Token) bool) {
		yield(tok)
	}
}
