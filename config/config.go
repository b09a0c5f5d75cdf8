// Package config resolves engine-level audio preferences and runtime knobs
// into a concrete, validated Config.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LatencyClass is a coarse latency preference that maps to buffer sizes.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"    // prioritize minimal latency (smaller buffers)
	LatencyMedium LatencyClass = "medium" // balanced default
	LatencyHigh   LatencyClass = "high"   // prioritize stability (larger buffers)
)

// SampleFormat names the sample representation carried by recycling buffers.
type SampleFormat string

const (
	FormatFloat64 SampleFormat = "float64"
	FormatFloat32 SampleFormat = "float32"
	FormatS16     SampleFormat = "s16"
	FormatS24     SampleFormat = "s24"
	FormatS32     SampleFormat = "s32"
)

// Bounds enforced by Validate.
const (
	MinSampleRate = 8000
	MaxSampleRate = 384000
	MinBufferSize = 64
	MaxBufferSize = 4096
)

// AudioSpec captures engine-level audio preferences.
// Note:
//   - SampleRate <= 0 selects 48000 Hz.
//   - BufferSize > 0 overrides LatencyHint.
type AudioSpec struct {
	SampleRate  float64      `json:"sample_rate,omitempty"`
	BufferSize  int          `json:"buffer_size,omitempty"`
	LatencyHint LatencyClass `json:"latency_hint,omitempty"`
	Format      SampleFormat `json:"format,omitempty"`

	// Number of PCM channels exposed by the soundcard; soundcard channel
	// indices of recalls must stay below it.
	SoundcardChannels int `json:"soundcard_channels,omitempty"`
}

// Duration is a time.Duration that reads "300ms"-style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string or nanoseconds: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds everything NewEngine needs.
type Config struct {
	Audio AudioSpec `json:"audio"`

	// Buffered operations the dispatcher queue accepts before Enqueue blocks.
	QueueSize int `json:"queue_size,omitempty"`

	// Mutations slower than this are reported to the error handler.
	MaxOperationDuration Duration `json:"max_operation_duration,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat string `json:"log_format,omitempty"` // text or json
}

// DefaultAudioSpec is used for zero-valued fields.
var DefaultAudioSpec = AudioSpec{
	SampleRate:        48000,
	BufferSize:        512,
	LatencyHint:       LatencyMedium,
	Format:            FormatFloat64,
	SoundcardChannels: 2,
}

// Default returns a fully resolved default configuration.
func Default() Config {
	return Config{
		Audio:                DefaultAudioSpec,
		QueueSize:            64,
		MaxOperationDuration: Duration(300 * time.Millisecond),
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// ResolveAudio fills unset AudioSpec fields. Explicit BufferSize is honored
// over LatencyHint.
func ResolveAudio(s AudioSpec) AudioSpec {
	if s.SampleRate <= 0 {
		s.SampleRate = DefaultAudioSpec.SampleRate
	}
	if s.LatencyHint == "" {
		s.LatencyHint = LatencyMedium
	}
	if s.BufferSize <= 0 {
		switch s.LatencyHint {
		case LatencyLow:
			s.BufferSize = 256
		case LatencyHigh:
			s.BufferSize = 1024
		default:
			s.BufferSize = 512
		}
	}
	if s.Format == "" {
		s.Format = DefaultAudioSpec.Format
	}
	if s.SoundcardChannels <= 0 {
		s.SoundcardChannels = DefaultAudioSpec.SoundcardChannels
	}
	return s
}

// Resolve returns c with every unset field defaulted.
func (c Config) Resolve() Config {
	def := Default()
	c.Audio = ResolveAudio(c.Audio)
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxOperationDuration <= 0 {
		c.MaxOperationDuration = def.MaxOperationDuration
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	return c
}

// Validate checks a resolved configuration.
func (c Config) Validate() error {
	if c.Audio.SampleRate < MinSampleRate {
		return fmt.Errorf("SampleRate must be at least %d Hz, got %.0f", MinSampleRate, c.Audio.SampleRate)
	}
	if c.Audio.SampleRate > MaxSampleRate {
		return fmt.Errorf("SampleRate cannot exceed %d Hz, got %.0f", MaxSampleRate, c.Audio.SampleRate)
	}
	if c.Audio.BufferSize < MinBufferSize {
		return fmt.Errorf("BufferSize must be at least %d samples, got %d", MinBufferSize, c.Audio.BufferSize)
	}
	if c.Audio.BufferSize > MaxBufferSize {
		return fmt.Errorf("BufferSize cannot exceed %d samples, got %d", MaxBufferSize, c.Audio.BufferSize)
	}
	switch c.Audio.LatencyHint {
	case LatencyLow, LatencyMedium, LatencyHigh:
	default:
		return fmt.Errorf("unknown latency hint %q", c.Audio.LatencyHint)
	}
	switch c.Audio.Format {
	case FormatFloat64, FormatFloat32, FormatS16, FormatS24, FormatS32:
	default:
		return fmt.Errorf("unknown sample format %q", c.Audio.Format)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Load decodes a JSON configuration, resolves defaults and validates it.
func Load(r io.Reader) (Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	c = c.Resolve()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}
