package speech

import "strings"

// Key classifies stream tokens and caller-facing events.
type Key string

const (
	KeyAssistant Key = "assistant"
	KeyConfirm   Key = "CONFIRM"
	KeyPause     Key = "PAUSE"
	KeyEvent     Key = "event"
)

// Out-of-band event values carried with KeyEvent.
const (
	EventInterrupted = "INTERRUPTED"
	EventFallback    = "FALLBACK"
)

// Control markers used by generators to open and close narrated asides.
const (
	MarkerEnterAside = "🔓"
	MarkerExitAside  = "🔒"
)

// Kind distinguishes text from aside control tokens.
type Kind int

const (
	KindText Kind = iota
	KindEnterAside
	KindExitAside
)

// Token is one element of an upstream response stream.
type Token struct {
	Key      Key
	Kind     Kind
	Text     string
	Language string
	Code     string
}

// Raw adapts a raw generator pair into a Token, lifting the aside markers
// out of the text. A chunk carrying a marker becomes a control token; the
// rest of that chunk belongs to the aside and is not spoken.
func Raw(key, chunk string) Token {
	tok := Token{Key: Key(key), Kind: KindText, Text: chunk}
	if tok.Key != KeyAssistant {
		return tok
	}
	switch {
	case strings.Contains(chunk, MarkerEnterAside):
		tok.Kind = KindEnterAside
		tok.Text = ""
	case strings.Contains(chunk, MarkerExitAside):
		tok.Kind = KindExitAside
		tok.Text = ""
	}
	return tok
}

// Text returns an assistant text token.
func Text(chunk string) Token {
	return Raw(string(KeyAssistant), chunk)
}

// Confirm returns a CONFIRM token carrying generated code.
func Confirm(language, code string) Token {
	return Token{Key: KeyConfirm, Language: language, Code: code}
}

// Event is what the pipeline hands back to its caller.
type Event struct {
	Key      Key
	Text     string
	Language string
	Code     string
}

func stripMarkers(s string) string {
	if !strings.Contains(s, MarkerEnterAside) && !strings.Contains(s, MarkerExitAside) {
		return s
	}
	return strings.NewReplacer(MarkerEnterAside, "", MarkerExitAside, "").Replace(s)
}
