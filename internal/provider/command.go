package provider

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/voice"
	"github.com/mattn/go-shellwords"
)

// Command runs a local synthesizer speaking the loqa exec protocol: one JSON
// request on stdin, JSON lines of base64 PCM on stdout. The PCM is written
// out as a wav file.
type Command struct {
	cmd        []string
	sampleRate int
	channels   int
	audioDir   string
	mu         sync.Mutex
}

type commandRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type commandResponse struct {
	PCMBase64 string `json:"pcm_base64"`
}

func NewCommand(cfg config.CommandConfig, audioDir string) (*Command, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse tts command: %v", voice.ErrConfiguration, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: tts command empty", voice.ErrConfiguration)
	}
	return &Command{cmd: args, sampleRate: cfg.SampleRate, channels: cfg.Channels, audioDir: audioDir}, nil
}

func (c *Command) Name() string { return "command" }

func (c *Command) Pacing() time.Duration { return 0 }

func (c *Command) Synthesize(_ context.Context, _ string, text string) (string, error) {
	return text, nil
}

func (c *Command) Download(ctx context.Context, voiceID, handle string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(commandRequest{
		Text:       handle,
		Voice:      voiceID,
		SampleRate: c.sampleRate,
		Channels:   c.channels,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start tts command: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		cmd.Wait()
		return "", err
	}
	stdin.Close()

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp commandResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return "", fmt.Errorf("decode tts output: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return "", fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
	}
	if err := scanner.Err(); err != nil {
		cmd.Wait()
		return "", err
	}
	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("tts command failed: %w", err)
	}
	if len(pcm) == 0 {
		return "", nil
	}

	f, err := os.CreateTemp(c.audioDir, "speech-*.wav")
	if err != nil {
		return "", fmt.Errorf("create wav: %w", err)
	}
	if err := writePCMToWav(f, pcm, c.sampleRate, c.channels); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
