// Package genai speaks learner notifications using the OpenAI text-to-speech API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultSpeed matches the slightly slowed delivery learners are used to.
const DefaultSpeed = 0.9

var (
	ErrEmptyText   = errors.New("nothing to speak")
	ErrEmptyAudio  = errors.New("speech service returned no audio")
	ErrMissingSink = errors.New("no audio sink configured")
)

// speechService defines the minimal interface for speech synthesis.
type speechService interface {
	New(ctx context.Context, body openai.AudioSpeechNewParams, opts ...option.RequestOption) (*http.Response, error)
}

// Sink receives synthesized audio.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
}

// Opts holds configuration for the speech client.
type Opts struct {
	APIKey string
	Model  openai.SpeechModel
	Voice  openai.AudioSpeechNewParamsVoice
	Speed  float64
	Sink   Sink
}

// Option configures the speech client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the speech model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.SpeechModel(model) }
}

// WithVoice sets the voice.
func WithVoice(voice string) Option {
	return func(o *Opts) { o.Voice = openai.AudioSpeechNewParamsVoice(voice) }
}

// WithSink sets where synthesized audio goes.
func WithSink(s Sink) Option {
	return func(o *Opts) { o.Sink = s }
}

// Client turns text into speech and hands it to a Sink.
type Client struct {
	speech speechService
	model  openai.SpeechModel
	voice  openai.AudioSpeechNewParamsVoice
	speed  float64
	sink   Sink
}

// NewClient initializes a speech client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newClient(&cli.Audio.Speech, cfg), nil
}

func newClient(speech speechService, cfg Opts) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.SpeechModelTTS1
	}
	if cfg.Voice == "" {
		cfg.Voice = openai.AudioSpeechNewParamsVoiceAlloy
	}
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultSpeed
	}
	return &Client{speech: speech, model: cfg.Model, voice: cfg.Voice, speed: cfg.Speed, sink: cfg.Sink}
}

// Synthesize returns MP3 audio of text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	resp, err := c.speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		Speed:          openai.Float(c.speed),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

// Announce speaks text through the configured sink.
func (c *Client) Announce(ctx context.Context, text string) error {
	if c.sink == nil {
		return ErrMissingSink
	}
	audio, err := c.Synthesize(ctx, text)
	if err != nil {
		slog.Warn("Client.Announce: synthesis failed", "error", err)
		return err
	}
	if err := c.sink.Play(ctx, audio); err != nil {
		return fmt.Errorf("failed to play announcement: %w", err)
	}
	slog.Debug("Client.Announce: announcement played", "chars", len(text), "bytes", len(audio))
	return nil
}

// DirSink writes each announcement to a numbered MP3 file in a directory,
// for a player outside the process to pick up.
type DirSink struct {
	Dir string
	Now func() time.Time

	mu  sync.Mutex
	seq int
}

// Play writes audio to Dir.
func (d *DirSink) Play(ctx context.Context, audio []byte) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	d.mu.Lock()
	d.seq++
	name := fmt.Sprintf("announce_%d_%03d.mp3", now().UnixMilli(), d.seq)
	d.mu.Unlock()
	return os.WriteFile(filepath.Join(d.Dir, name), audio, 0644)
}
