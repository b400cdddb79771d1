package eventstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

func TestVoiceCatalog(t *testing.T) {
	modes := map[string]config.EventStoreConfig{
		"sqlite":    {Path: filepath.Join(t.TempDir(), "voices.db"), RetentionMode: "persistent"},
		"ephemeral": {RetentionMode: "ephemeral"},
	}
	for name, cfg := range modes {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			es, err := Open(ctx, cfg, newLogger())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = es.Close() })

			rick, err := es.PutVoice(ctx, voice.Profile{ProviderID: voice.ProviderFakeYou, VoiceID: "TM:rick", DisplayName: "Rick Sanchez"})
			if err != nil {
				t.Fatalf("put voice: %v", err)
			}
			if rick.ID == 0 {
				t.Fatalf("expected id to be assigned")
			}
			if _, err := es.PutVoice(ctx, voice.Profile{ProviderID: voice.ProviderElevenLabs, VoiceID: "el-1", DisplayName: "Narrator"}); err != nil {
				t.Fatalf("put voice: %v", err)
			}

			updated, err := es.PutVoice(ctx, voice.Profile{ProviderID: voice.ProviderFakeYou, VoiceID: "TM:rick", DisplayName: "Rick", KnownFrom: "TV"})
			if err != nil {
				t.Fatalf("update voice: %v", err)
			}
			if updated.ID != rick.ID {
				t.Fatalf("expected upsert to keep id %d, got %d", rick.ID, updated.ID)
			}

			got, err := es.Voice(ctx, rick.ID)
			if err != nil {
				t.Fatalf("load voice: %v", err)
			}
			if got.DisplayName != "Rick" || got.KnownFrom != "TV" || got.ProviderID != voice.ProviderFakeYou {
				t.Fatalf("unexpected profile: %+v", got)
			}

			all, err := es.ListVoices(ctx)
			if err != nil {
				t.Fatalf("list voices: %v", err)
			}
			if len(all) != 2 || all[0].ID != rick.ID {
				t.Fatalf("unexpected catalog: %+v", all)
			}

			if _, err := es.Voice(ctx, 999); !errors.Is(err, ErrVoiceNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}
