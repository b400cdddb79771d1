package speech

// Tag is the correlation token of one response stream. The zero Tag is
// never active.
type Tag string

// Job is a synthesis request waiting for its audio.
type Job struct {
	Tag        Tag
	ProviderID int
	VoiceID    string
	Text       string
	Handle     string
}

// Item is a ready-to-play audio artifact.
type Item struct {
	Tag      Tag
	AudioRef string
}

// Player starts audio playback processes.
type Player interface {
	Start(audioRef string) (Process, error)
}

// Process is a running playback. Terminate on a process that already exited
// must return nil.
type Process interface {
	Terminate() error
	Wait() error
}
