package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-speak/internal/voice"
)

// ErrVoiceNotFound is returned when a profile id has no row.
var ErrVoiceNotFound = errors.New("voice profile not found")

// PutVoice inserts or updates a profile keyed by provider and voice id and
// returns it with its id set.
func (s *Store) PutVoice(ctx context.Context, p voice.Profile) (voice.Profile, error) {
	if p.VoiceID == "" {
		return p, errors.New("voice id must not be empty")
	}
	if s.db == nil {
		return s.putVoiceMemory(p), nil
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO voices(provider_id, voice_id, display_name, known_from, verb)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, voice_id) DO UPDATE SET
		   display_name=excluded.display_name, known_from=excluded.known_from, verb=excluded.verb
		 RETURNING id`,
		p.ProviderID, p.VoiceID, p.DisplayName, p.KnownFrom, p.Verb)
	if err := row.Scan(&p.ID); err != nil {
		return p, fmt.Errorf("put voice: %w", err)
	}
	return p, nil
}

// Voice loads the profile with id.
func (s *Store) Voice(ctx context.Context, id int64) (*voice.Profile, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.voices[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrVoiceNotFound, id)
		}
		return &p, nil
	}
	var p voice.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, voice_id, display_name, known_from, verb FROM voices WHERE id = ?`, id).
		Scan(&p.ID, &p.ProviderID, &p.VoiceID, &p.DisplayName, &p.KnownFrom, &p.Verb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrVoiceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load voice %d: %w", id, err)
	}
	return &p, nil
}

// ListVoices returns every stored profile ordered by id.
func (s *Store) ListVoices(ctx context.Context) ([]voice.Profile, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]voice.Profile, 0, len(s.voices))
		for id := int64(1); id <= s.nextID; id++ {
			if p, ok := s.voices[id]; ok {
				out = append(out, p)
			}
		}
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider_id, voice_id, display_name, known_from, verb FROM voices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []voice.Profile
	for rows.Next() {
		var p voice.Profile
		if err := rows.Scan(&p.ID, &p.ProviderID, &p.VoiceID, &p.DisplayName, &p.KnownFrom, &p.Verb); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) putVoiceMemory(p voice.Profile) voice.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.voices {
		if existing.ProviderID == p.ProviderID && existing.VoiceID == p.VoiceID {
			p.ID = id
			s.voices[id] = p
			return p
		}
	}
	s.nextID++
	p.ID = s.nextID
	s.voices[p.ID] = p
	return p
}
