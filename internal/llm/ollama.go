package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ollamaGenerator struct {
	endpoint      string
	modelFast     string
	modelBalanced string
	client        *http.Client
}

func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	return &ollamaGenerator{
		endpoint:      strings.TrimRight(endpoint, "/"),
		modelFast:     fastModel,
		modelBalanced: balancedModel,
		client:        &http.Client{},
	}
}

func (g *ollamaGenerator) modelForTier(tier string) string {
	switch tier {
	case "fast":
		if g.modelFast != "" {
			return g.modelFast
		}
	case "balanced":
		if g.modelBalanced != "" {
			return g.modelBalanced
		}
	}
	if g.modelBalanced != "" {
		return g.modelBalanced
	}
	if g.modelFast != "" {
		return g.modelFast
	}
	return "llama3.2:latest"
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

// Generate streams /api/generate. Prose is passed through as assistant
// text; a fenced code block is held back and delivered as a single CONFIRM
// chunk once its closing fence arrives.
func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(ollamaRequest{
		Model:  g.modelForTier(req.Tier),
		Prompt: req.Prompt,
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var (
		fences                         fenceSplitter
		promptTokens, completionTokens int
	)
	start := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg ollamaStreamResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode ollama response: %w", err)
		}
		if msg.EvalCount > 0 {
			completionTokens = msg.EvalCount
		}
		if msg.PromptEvalCount > 0 {
			promptTokens = msg.PromptEvalCount
		}

		pieces := fences.feed(msg.Response)
		if msg.Done {
			pieces = append(pieces, fences.flush()...)
			if len(pieces) == 0 {
				pieces = append(pieces, Chunk{})
			}
		}
		for i, c := range pieces {
			c.SessionID = req.SessionID
			c.TraceID = req.TraceID
			c.Partial = !msg.Done || i < len(pieces)-1
			c.PromptTokens = promptTokens
			c.CompletionTokens = completionTokens
			c.Latency = time.Since(start)
			if err := consumer(c); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

const (
	codeFence  = "```"
	keyConfirm = "CONFIRM"
)

// fenceSplitter separates markdown code fences from prose in streamed text.
// Fence markers may be split across fragments, so trailing backticks are
// held until the next fragment decides them.
type fenceSplitter struct {
	buf      strings.Builder
	inCode   bool
	header   bool
	language string
}

func (f *fenceSplitter) feed(text string) []Chunk {
	if text == "" {
		return nil
	}
	f.buf.WriteString(text)
	var out []Chunk
	for {
		pending := f.buf.String()
		switch {
		case f.header:
			nl := strings.IndexByte(pending, '\n')
			if nl < 0 {
				return out
			}
			f.language = strings.TrimSpace(pending[:nl])
			f.header = false
			f.inCode = true
			f.reset(pending[nl+1:])
		case f.inCode:
			end := strings.Index(pending, codeFence)
			if end < 0 {
				return out
			}
			out = append(out, f.confirm(pending[:end]))
			f.inCode = false
			f.reset(pending[end+len(codeFence):])
		default:
			open := strings.Index(pending, codeFence)
			if open < 0 {
				keep := len(pending) - len(strings.TrimRight(pending, "`"))
				if prose := pending[:len(pending)-keep]; prose != "" {
					out = append(out, Chunk{Content: prose})
				}
				f.reset(pending[len(pending)-keep:])
				return out
			}
			if open > 0 {
				out = append(out, Chunk{Content: pending[:open]})
			}
			f.header = true
			f.reset(pending[open+len(codeFence):])
		}
	}
}

// flush emits whatever is buffered at end of stream. An unterminated block
// is still confirmed.
func (f *fenceSplitter) flush() []Chunk {
	pending := f.buf.String()
	f.buf.Reset()
	switch {
	case f.header:
		f.header = false
		f.language = strings.TrimSpace(pending)
		return []Chunk{f.confirm("")}
	case f.inCode:
		f.inCode = false
		return []Chunk{f.confirm(pending)}
	case pending != "":
		return []Chunk{{Content: pending}}
	}
	return nil
}

func (f *fenceSplitter) confirm(code string) Chunk {
	c := Chunk{Key: keyConfirm, Language: f.language, Code: strings.TrimRight(code, "\n")}
	f.language = ""
	return c
}

func (f *fenceSplitter) reset(rest string) {
	f.buf.Reset()
	f.buf.WriteString(rest)
}
