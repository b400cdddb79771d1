package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-speak/internal/config"
)

func collect(t *testing.T, g Generator, req Request) []Chunk {
	t.Helper()
	var chunks []Chunk
	if err := g.Generate(context.Background(), req, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	return chunks
}

func TestMockStreamsWords(t *testing.T) {
	g := &mockGenerator{}
	chunks := collect(t, g, Request{SessionID: "s1", Prompt: "a joke", Tier: "fast"})
	if len(chunks) < 5 {
		t.Fatalf("expected word chunks, got %d", len(chunks))
	}
	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Content)
	}
	if !strings.Contains(text.String(), "mock completion for a joke.") {
		t.Fatalf("unexpected mock text %q", text.String())
	}
	if chunks[len(chunks)-1].Partial {
		t.Fatalf("expected final chunk to be complete")
	}
}

func TestMockStopsOnConsumerError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := (&mockGenerator{}).Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after first chunk, got %v after %d calls", err, calls)
	}
}

func TestOllamaStreamsResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "fast-model" || !req.Stream {
			t.Errorf("unexpected request %+v", req)
		}
		io.WriteString(w, `{"response":"Hello ","done":false}`+"\n")
		io.WriteString(w, `{"response":"there.","done":true,"eval_count":2,"prompt_eval_count":5}`+"\n")
	}))
	t.Cleanup(srv.Close)

	g := NewOllamaGenerator(srv.URL+"/", "fast-model", "balanced-model")
	chunks := collect(t, g, Request{Prompt: "hi", Tier: "fast"})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "Hello " || !chunks[0].Partial {
		t.Fatalf("unexpected first chunk %+v", chunks[0])
	}
	if chunks[1].Partial || chunks[1].CompletionTokens != 2 || chunks[1].PromptTokens != 5 {
		t.Fatalf("unexpected final chunk %+v", chunks[1])
	}
}

func TestOllamaCodeBlockBecomesConfirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Here you go. ``", "`python\nprint(1)\n", "``", "`\nDone."} {
			line, _ := json.Marshal(ollamaStreamResponse{Response: part, Done: part == "`\nDone."})
			w.Write(append(line, '\n'))
		}
	}))
	t.Cleanup(srv.Close)

	chunks := collect(t, NewOllamaGenerator(srv.URL, "m", "m"), Request{Prompt: "code please"})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", chunks)
	}
	if chunks[0].Key != "" || chunks[0].Content != "Here you go. " {
		t.Fatalf("unexpected prose chunk %+v", chunks[0])
	}
	if chunks[1].Key != "CONFIRM" || chunks[1].Language != "python" || chunks[1].Code != "print(1)" {
		t.Fatalf("unexpected confirm chunk %+v", chunks[1])
	}
	if chunks[2].Content != "\nDone." || chunks[2].Partial {
		t.Fatalf("unexpected final chunk %+v", chunks[2])
	}
}

func TestFenceSplitterConfirmsUnterminatedBlock(t *testing.T) {
	var f fenceSplitter
	if got := f.feed("Run this ```sh\nls -la"); len(got) != 1 || got[0].Content != "Run this " {
		t.Fatalf("unexpected prose %+v", got)
	}
	got := f.flush()
	if len(got) != 1 || got[0].Key != "CONFIRM" || got[0].Language != "sh" || got[0].Code != "ls -la" {
		t.Fatalf("unexpected flush %+v", got)
	}
	if got := f.feed("plain `inline` code"); len(got) != 1 || got[0].Content != "plain `inline` code" {
		t.Fatalf("inline backticks should pass through, got %+v", got)
	}
}

func TestOllamaReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no model", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	err := NewOllamaGenerator(srv.URL, "m", "m").Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestExecStreamsJSONLines(t *testing.T) {
	script := `sh -c 'cat >/dev/null; echo "{\"content\":\"Sure. \"}"; echo "{\"key\":\"CONFIRM\",\"language\":\"go\",\"code\":\"fmt.Println(1)\"}"'`
	g, err := NewExecGenerator(script)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	chunks := collect(t, g, Request{Prompt: "write code"})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Key != "" || chunks[0].Content != "Sure. " {
		t.Fatalf("unexpected text chunk %+v", chunks[0])
	}
	if chunks[1].Key != "CONFIRM" || chunks[1].Language != "go" || chunks[1].Code != "fmt.Println(1)" {
		t.Fatalf("unexpected confirm chunk %+v", chunks[1])
	}
}

func TestExecFailureIsReported(t *testing.T) {
	g, err := NewExecGenerator(`sh -c 'cat >/dev/null; exit 3'`)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := g.Generate(context.Background(), Request{}, func(Chunk) error { return nil }); err == nil {
		t.Fatalf("expected exit error")
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.Default().LLM
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if _, ok := g.(*mockGenerator); !ok {
		t.Fatalf("expected mock generator, got %T", g)
	}
	cfg.Mode = "ollama"
	if g, _ := New(cfg); g == nil {
		t.Fatalf("expected ollama generator")
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for empty exec command")
	}
	cfg.Mode = "carrier-pigeon"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().LLM
	req := OptionsFromConfig(cfg, "")
	if req.Tier != cfg.DefaultTier || req.MaxTokens != cfg.MaxTokens {
		t.Fatalf("unexpected defaults %+v", req)
	}
	if OptionsFromConfig(cfg, "fast").Tier != "fast" {
		t.Fatalf("expected tier override")
	}
}
