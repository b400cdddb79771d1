package protocol

import "time"

// SpeakRequest asks the responder to generate and speak a response. When
// Text is set it is spoken verbatim and no generator is involved.
type SpeakRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt,omitempty"`
	System    string `json:"system,omitempty"`
	Text      string `json:"text,omitempty"`
	Tier      string `json:"tier,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// InterruptRequest stops whatever is being spoken.
type InterruptRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// VoiceSelect switches the active voice profile. ProfileID 0 turns speech off.
type VoiceSelect struct {
	ProfileID int64 `json:"profile_id"`
}

// StreamEvent mirrors one caller-facing pipeline event.
type StreamEvent struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"`
	Language  string    `json:"language,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechStatus closes a request.
type SpeechStatus struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Completed bool      `json:"completed"`
	Fallback  bool      `json:"fallback,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeakRequest   = "speech.request"
	SubjectInterrupt      = "speech.interrupt"
	SubjectVoiceSelect    = "speech.voice.select"
	SubjectEventPrefix    = "speech.event"
	SubjectDonePrefix     = "speech.done"
	SubjectEventsWildcard = SubjectEventPrefix + ".>"
	SubjectDoneWildcard   = SubjectDonePrefix + ".>"

	// StreamSpeech is the JetStream stream retaining events and statuses.
	StreamSpeech = "SPEECH"
)

// EventSubject returns the subject stream events for session are published on.
func EventSubject(session string) string {
	return SubjectEventPrefix + "." + session
}

// DoneSubject returns the subject the final status for session is published on.
func DoneSubject(session string) string {
	return SubjectDonePrefix + "." + session
}
