package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider ids as stored in voice profiles.
const (
	ProviderFakeYou    = 1
	ProviderUberduck   = 2
	ProviderElevenLabs = 3
	ProviderCommand    = 5
)

var (
	// ErrConfiguration marks errors that must not be retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnknownProvider is returned for provider ids with no registered integration.
	ErrUnknownProvider = fmt.Errorf("%w: unknown provider", ErrConfiguration)
)

// Profile describes the active voice persona.
type Profile struct {
	ID          int64  `json:"id" yaml:"id"`
	ProviderID  int    `json:"provider_id" yaml:"provider_id"`
	VoiceID     string `json:"voice_id" yaml:"voice_id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	KnownFrom   string `json:"known_from" yaml:"known_from"`
	Verb        string `json:"verb" yaml:"verb"`
}

// FirstName returns the first word of the display name, lowercased.
func (p *Profile) FirstName() string {
	if p == nil {
		return ""
	}
	fields := strings.Fields(strings.ToLower(p.DisplayName))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Provider is the contract every TTS integration implements.
//
// Synthesize starts a synthesis and returns an opaque handle. Providers that
// synthesize inline may return the text itself. Download turns a handle into
// a playable audio reference (a file path); an empty reference with a nil
// error means the artifact is not available and the job should be dropped.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, voiceID, text string) (string, error)
	Download(ctx context.Context, voiceID, handle string) (string, error)
	// Pacing is how long callers must wait after using the provider.
	Pacing() time.Duration
}

// Registry maps provider ids to integrations.
type Registry map[int]Provider

// Lookup returns the provider for id or ErrUnknownProvider.
func (r Registry) Lookup(id int) (Provider, error) {
	if p, ok := r[id]; ok && p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownProvider, id)
}
