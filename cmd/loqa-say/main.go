// Command loqa-say talks to a running loqa-speak over the bus and manages
// the voice catalog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected 'say', 'interrupt', 'voice', 'voices', 'add-voice' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "say":
		err = runSay(ctx, os.Args[2:])
	case "interrupt":
		err = runInterrupt(ctx, os.Args[2:])
	case "voice":
		err = runVoice(ctx, os.Args[2:])
	case "voices":
		err = runVoices(ctx, os.Args[2:])
	case "add-voice":
		err = runAddVoice(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if cfg.Bus.Embedded && cfg.Bus.Port > 0 {
		cfg.Bus.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}
	return cfg, nil
}

func connect(ctx context.Context, path string) (*bus.Client, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return bus.Connect(ctx, "loqa-say", cfg.Bus, quietLogger())
}

func runSay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	configPath := fs.String("config", "loqa-speak.yaml", "Path to configuration file")
	session := fs.String("session", "", "Session id (generated when empty)")
	prompt := fs.String("prompt", "", "Prompt for the language model")
	text := fs.String("text", "", "Text to speak verbatim")
	tier := fs.String("tier", "", "Model tier")
	timeout := fs.Duration("timeout", 2*time.Minute, "How long to wait for the response")
	fs.Parse(args)

	if *prompt == "" && *text == "" {
		return errors.New("one of -prompt or -text is required")
	}
	if *session == "" {
		*session = uuid.NewString()
	}

	client, err := connect(ctx, *configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{protocol.EventSubject(*session), protocol.DoneSubject(*session)} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	if err := client.PublishJSON(protocol.SubjectSpeakRequest, protocol.SpeakRequest{
		SessionID: *session,
		Prompt:    *prompt,
		Text:      *text,
		Tier:      *tier,
	}); err != nil {
		return err
	}

	deadline := time.After(*timeout)
	for {
		select {
		case <-ctx.Done():
			return client.PublishJSON(protocol.SubjectInterrupt, protocol.InterruptRequest{SessionID: *session})
		case <-deadline:
			return fmt.Errorf("no response for session %s within %s", *session, *timeout)
		case msg := <-msgs:
			if msg.Subject == protocol.DoneSubject(*session) {
				var status protocol.SpeechStatus
				if err := json.Unmarshal(msg.Data, &status); err != nil {
					return err
				}
				if status.Error != "" {
					return errors.New(status.Error)
				}
				if status.Fallback {
					fmt.Fprintln(os.Stderr, "(response was regenerated after breaking character)")
				}
				return nil
			}
			var ev protocol.StreamEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return err
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev protocol.StreamEvent) {
	switch ev.Key {
	case "assistant":
		fmt.Println(ev.Value)
	case "CONFIRM":
		fmt.Printf("[%s code]\n%s\n", ev.Language, ev.Code)
	default:
		fmt.Printf("[%s] %s\n", ev.Key, ev.Value)
	}
}

func runInterrupt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("interrupt", flag.ExitOnError)
	configPath := fs.String("config", "loqa-speak.yaml", "Path to configuration file")
	session := fs.String("session", "", "Only interrupt this session")
	fs.Parse(args)

	client, err := connect(ctx, *configPath)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(protocol.SubjectInterrupt, protocol.InterruptRequest{SessionID: *session}); err != nil {
		return err
	}
	return client.Conn().Flush()
}

func runVoice(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("voice", flag.ExitOnError)
	configPath := fs.String("config", "loqa-speak.yaml", "Path to configuration file")
	id := fs.Int64("id", 0, "Voice profile id, 0 turns speech off")
	fs.Parse(args)

	client, err := connect(ctx, *configPath)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(protocol.SubjectVoiceSelect, protocol.VoiceSelect{ProfileID: *id}); err != nil {
		return err
	}
	return client.Conn().Flush()
}

func openStore(ctx context.Context, path string) (*eventstore.Store, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return nil, errors.New("event store is ephemeral, the voice catalog is not persisted")
	}
	return eventstore.Open(ctx, cfg.EventStore, quietLogger())
}

func runVoices(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("voices", flag.ExitOnError)
	configPath := fs.String("config", "loqa-speak.yaml", "Path to configuration file")
	fs.Parse(args)

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	profiles, err := store.ListVoices(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tVOICE\tNAME\tKNOWN FROM")
	for _, p := range profiles {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", p.ID, p.ProviderID, p.VoiceID, p.DisplayName, p.KnownFrom)
	}
	return w.Flush()
}

func runAddVoice(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-voice", flag.ExitOnError)
	configPath := fs.String("config", "loqa-speak.yaml", "Path to configuration file")
	var p voice.Profile
	fs.IntVar(&p.ProviderID, "provider", voice.ProviderFakeYou, "Provider id")
	fs.StringVar(&p.VoiceID, "voice", "", "Provider voice id")
	fs.StringVar(&p.DisplayName, "name", "", "Display name")
	fs.StringVar(&p.KnownFrom, "known-from", "", "Where the character is known from")
	fs.StringVar(&p.Verb, "verb", "", "Verb describing the character's speech")
	fs.Parse(args)

	if p.VoiceID == "" || p.DisplayName == "" {
		return errors.New("-voice and -name are required")
	}
	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	saved, err := store.PutVoice(ctx, p)
	if err != nil {
		return err
	}
	fmt.Println(saved.ID)
	return nil
}
