package speech

import (
	"errors"
	"iter"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-speak/internal/voice"
)

// errStop ends segmentation without surfacing an error to the caller.
var errStop = errors.New("stop segmentation")

type asideState int

const (
	asideNone asideState = iota
	// asideUndisclosed follows an enter marker; its text is never spoken.
	asideUndisclosed
	// asideCaptured follows an exit marker outside an undisclosed aside; its
	// text replaces the spoken buffer when the stream ends.
	asideCaptured
)

// SegmentOptions tunes how a stream is cut into chunks.
type SegmentOptions struct {
	// InSegments emits chunks at sentence boundaries. When false the whole
	// response is emitted once the stream ends.
	InSegments bool
	// UseFallbacks runs the fallback trigger on every chunk.
	UseFallbacks bool
	// MinWordGaps is the number of whitespace runs a chunk must exceed
	// before a boundary is honored. Negative disables the check.
	MinWordGaps int
	// Persona is used to strip a leading "<name>:" prefix.
	Persona *voice.Profile
	// Trigger decides whether a chunk needs a fallback response.
	Trigger func(string) bool
}

// Segmenter turns one response stream into speakable chunks.
type Segmenter struct {
	opts SegmentOptions
	tag  Tag
	live func() Tag

	buf         strings.Builder
	captured    strings.Builder
	first       bool
	aside       asideState
	awaitClose  bool
	interrupted bool
	fellBack    bool

	// pending is set after a delimiter until the next rune decides whether
	// it ended a sentence.
	pending bool
}

// NewSegmenter segments a stream tagged tag. live reports the currently
// active tag so that supersession can be noticed mid-stream.
func NewSegmenter(tag Tag, live func() Tag, opts SegmentOptions) *Segmenter {
	return &Segmenter{opts: opts, tag: tag, live: live, first: true}
}

// Segment consumes tokens and calls handle for every event. It returns only
// errors produced by handle.
func (s *Segmenter) Segment(tokens iter.Seq[Token], handle func(Event) error) error {
	err := s.run(tokens, handle)
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func (s *Segmenter) run(tokens iter.Seq[Token], handle func(Event) error) error {
	for tok := range tokens {
		switch tok.Key {
		case KeyConfirm, KeyPause:
			if err := handle(Event{Key: tok.Key, Text: tok.Text, Language: tok.Language, Code: tok.Code}); err != nil {
				return err
			}
			return errStop
		case KeyAssistant:
		default:
			continue
		}

		if !s.interrupted && s.live != nil && s.live() != s.tag {
			s.interrupted = true
			if err := handle(Event{Key: KeyEvent, Text: EventInterrupted}); err != nil {
				return err
			}
		}

		if tok.Kind == KindText && tok.Text == "" {
			continue
		}

		if s.awaitClose {
			if strings.Contains(tok.Text, ")") {
				s.awaitClose = false
			}
			continue
		}

		switch tok.Kind {
		case KindEnterAside:
			s.awaitClose = true
			s.trimOpenParen()
			s.aside = asideUndisclosed
			continue
		case KindExitAside:
			s.awaitClose = true
			s.trimOpenParen()
			if s.aside == asideUndisclosed {
				return s.flush(handle)
			}
			s.aside = asideCaptured
			continue
		}

		if s.aside == asideCaptured {
			s.captured.WriteString(tok.Text)
			continue
		}

		if err := s.appendText(stripMarkers(tok.Text), handle); err != nil {
			return err
		}
	}
	return s.flush(handle)
}

// appendText buffers text and emits a chunk at every sentence boundary. A
// delimiter only ends a sentence once the next rune is whitespace, so "10:30"
// and "$3.50" stay whole. Trailing quotes and brackets belong to the sentence
// they close.
func (s *Segmenter) appendText(text string, handle func(Event) error) error {
	for _, r := range text {
		if s.pending {
			switch {
			case unicode.IsSpace(r):
				s.pending = false
				if err := s.boundary(handle); err != nil {
					return err
				}
			case isDelimiter(r) || isCloser(r):
				s.buf.WriteRune(r)
				continue
			default:
				s.pending = false
			}
		}
		s.buf.WriteRune(r)
		switch {
		case r == '\n':
			if err := s.boundary(handle); err != nil {
				return err
			}
		case isDelimiter(r):
			s.pending = true
		}
	}
	return nil
}

// boundary emits the buffer as a chunk when it holds enough words.
func (s *Segmenter) boundary(handle func(Event) error) error {
	if s.first {
		s.stripRolePrefix()
		s.first = false
	}
	if !s.opts.InSegments {
		return nil
	}
	if s.opts.MinWordGaps >= 0 && whitespaceRuns(s.buf.String()) <= s.opts.MinWordGaps {
		return nil
	}
	if err := s.emit(s.buf.String(), handle); err != nil {
		return err
	}
	s.buf.Reset()
	return nil
}

// flush emits whatever is left once the stream is over.
func (s *Segmenter) flush(handle func(Event) error) error {
	if s.pending && s.first {
		s.stripRolePrefix()
		s.first = false
	}
	s.pending = false
	text := s.buf.String()
	if s.aside == asideCaptured {
		text = stripMarkers(s.captured.String())
	}
	s.buf.Reset()
	s.captured.Reset()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.emit(text, handle)
}

func (s *Segmenter) emit(text string, handle func(Event) error) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.opts.UseFallbacks && !s.fellBack && s.opts.Trigger != nil && s.opts.Trigger(text) {
		s.fellBack = true
		if err := handle(Event{Key: KeyEvent, Text: EventFallback}); err != nil {
			return err
		}
	}
	return handle(Event{Key: KeyAssistant, Text: text})
}

func (s *Segmenter) trimOpenParen() {
	cur := s.buf.String()
	if !strings.HasSuffix(cur, "(") {
		return
	}
	cur = strings.Trim(strings.TrimSuffix(cur, "("), "\n")
	s.buf.Reset()
	s.buf.WriteString(cur)
}

func (s *Segmenter) stripRolePrefix() {
	cur := strings.TrimSpace(s.buf.String())

	prefixes := []string{"assistant:", "bot:"}
	if p := s.opts.Persona; p != nil {
		if name := strings.TrimSpace(p.DisplayName); name != "" {
			prefixes = append(prefixes, name+":")
		}
		if first := p.FirstName(); first != "" {
			prefixes = append(prefixes, first+":")
		}
	}
	unquoted := strings.TrimLeft(cur, "'\"")
	for _, prefix := range prefixes {
		if len(unquoted) >= len(prefix) && strings.EqualFold(unquoted[:len(prefix)], prefix) {
			cur = strings.Trim(strings.TrimSpace(unquoted[len(prefix):]), "\"")
			break
		}
	}
	s.buf.Reset()
	s.buf.WriteString(cur)
}

func isDelimiter(r rune) bool {
	switch r {
	case '.', '?', '!', '\n', ':', ';':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func whitespaceRuns(s string) int {
	runs := 0
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				runs++
			}
			inSpace = true
			continue
		}
		inSpace = false
	}
	return runs
}
