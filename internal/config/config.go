// Package config holds the buffer engine's two option surfaces: the
// viper-backed, live-reloadable EngineOptions that configure one engine
// instance for its lifetime, and the per-session LoadOptions passed to
// Engine.Load when a manifest URL is attached.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"bufferengine/internal/models"
)

// Default EngineOptions values, mirrored into viper via SetDefaults.
const (
	DefaultMaxBufferAhead   = 30 * time.Second
	DefaultMaxBufferBehind  = 30 * time.Second
	DefaultWantedBufferAhead = 30 * time.Second
)

// EngineOptions configures one engine instance. It is unmarshaled from a
// config file (YAML/JSON/TOML, anything viper supports) plus environment
// variables under the BUFFERENGINE_ prefix, with explicit defaults for
// everything a deployment doesn't set.
type EngineOptions struct {
	MaxBufferAhead      time.Duration `mapstructure:"max_buffer_ahead"`
	MaxBufferBehind     time.Duration `mapstructure:"max_buffer_behind"`
	LimitVideoWidth     bool          `mapstructure:"limit_video_width"`
	WantedBufferAhead   time.Duration `mapstructure:"wanted_buffer_ahead"`
	ThrottleWhenHidden  bool          `mapstructure:"throttle_when_hidden"`
	DefaultAudioTrack   string        `mapstructure:"default_audio_track"`
	DefaultTextTrack    string        `mapstructure:"default_text_track"`
	InitialAudioBitrate int           `mapstructure:"initial_audio_bitrate"`
	InitialVideoBitrate int           `mapstructure:"initial_video_bitrate"`
	MaxAudioBitrate     int           `mapstructure:"max_audio_bitrate"` // 0 means unlimited
	MaxVideoBitrate     int           `mapstructure:"max_video_bitrate"` // 0 means unlimited

	// VideoElement is an opaque handle to the native media element the
	// sink ultimately writes into. The core never interprets it; it is
	// carried through to whatever wires up internal/sink for this engine.
	VideoElement any `mapstructure:"-"`

	LogLevel string `mapstructure:"log_level"`

	HTTP HTTPOptions `mapstructure:"http"`
}

// HTTPOptions configures the engine's control-plane HTTP surface
// (internal/api).
type HTTPOptions struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// SetDefaults installs EngineOptions defaults on v. Must run before
// ReadInConfig so file/env values take precedence.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("max_buffer_ahead", DefaultMaxBufferAhead)
	v.SetDefault("max_buffer_behind", DefaultMaxBufferBehind)
	v.SetDefault("limit_video_width", false)
	v.SetDefault("wanted_buffer_ahead", DefaultWantedBufferAhead)
	v.SetDefault("throttle_when_hidden", true)
	v.SetDefault("default_audio_track", "")
	v.SetDefault("default_text_track", "")
	v.SetDefault("initial_audio_bitrate", 0)
	v.SetDefault("initial_video_bitrate", 0)
	v.SetDefault("max_audio_bitrate", 0)
	v.SetDefault("max_video_bitrate", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8088")
	v.SetDefault("http.metrics_enabled", true)
}

// Load reads EngineOptions from configPath (if non-empty) plus the
// BUFFERENGINE_ environment prefix, falling back to defaults for anything
// unset. The returned *viper.Viper can be passed to Watch for live-reload.
func Load(configPath string) (*EngineOptions, *viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bufferengine")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bufferengine")
	}

	v.SetEnvPrefix("BUFFERENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	opts, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return opts, v, nil
}

func decode(v *viper.Viper) (*EngineOptions, error) {
	var opts EngineOptions
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}
	return &opts, nil
}

// Validate rejects nonsensical option combinations.
func (o *EngineOptions) Validate() error {
	if o.MaxBufferAhead < 0 || o.MaxBufferBehind < 0 || o.WantedBufferAhead < 0 {
		return fmt.Errorf("config: buffer durations must be non-negative")
	}
	if o.MaxAudioBitrate < 0 || o.MaxVideoBitrate < 0 {
		return fmt.Errorf("config: bitrate ceilings must be non-negative")
	}
	return nil
}

// Watch installs onChange to fire, with the freshly decoded EngineOptions,
// every time the underlying config file changes on disk. viper's fsnotify
// watcher drives this; a failed re-decode is logged by the caller via the
// returned error rather than silently keeping stale options.
func Watch(v *viper.Viper, onChange func(*EngineOptions, error)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		opts, err := decode(v)
		onChange(opts, err)
	})
	v.WatchConfig()
}

// Transport names a manifest dialect the engine knows how to load. Only
// TransportDASH is implemented; the others are recognized so LoadOptions
// can be round-tripped from configuration without losing the caller's
// intent, and rejected explicitly rather than silently mishandled.
type Transport string

const (
	TransportDASH   Transport = "dash"
	TransportHLS    Transport = "hls"
	TransportSmooth Transport = "smooth"
)

// ErrUnsupportedTransport is returned by Engine.Load for any Transport
// other than TransportDASH.
var ErrUnsupportedTransport = errors.New("config: unsupported transport")

// Valid reports whether t is one of the recognized transport names.
func (t Transport) Valid() bool {
	switch t {
	case TransportDASH, TransportHLS, TransportSmooth:
		return true
	}
	return false
}

// StartAtKind selects which field of StartAt is populated.
type StartAtKind int

const (
	StartAtNone StartAtKind = iota
	StartAtWallClockTime
	StartAtPosition
	StartAtFromFirstPosition
	StartAtFromLastPosition
	StartAtPercentage
)

// StartAt is a tagged union over the five ways a session can request an
// initial playback position. Exactly one of the fields matching Kind is
// meaningful; the rest are zero.
type StartAt struct {
	Kind             StartAtKind
	WallClockTime    time.Time
	Position         float64
	FromFirstOffset  float64
	FromLastOffset   float64
	Percentage       float64
}

// LoadOptions configures one manifest-attach call (Engine.Load). Unlike
// EngineOptions it is not file-backed: it is built per session by the
// caller (typically the HTTP API layer decoding a JSON request body).
type LoadOptions struct {
	URL       string
	Transport Transport
	AutoPlay  bool

	// KeySystems is an opaque DRM configuration handle, carried through
	// to the sink boundary only; the core never interprets it.
	KeySystems any

	TransportOptions map[string]any

	HideNativeSubtitle       bool
	SupplementaryTextTracks  []SupplementaryTrack
	SupplementaryImageTracks []SupplementaryTrack

	StartAt StartAt

	// DirectFile, when true, skips manifest parsing entirely: URL points
	// directly at a single progressive media resource.
	DirectFile bool
}

// SupplementaryTrack describes an out-of-manifest text or image track
// attached at load time.
type SupplementaryTrack struct {
	URL      string
	Language string
	MimeType string
}

// Validate rejects LoadOptions the engine cannot act on.
func (o *LoadOptions) Validate() error {
	if o.URL == "" && !o.DirectFile {
		return fmt.Errorf("config: load options require a url")
	}
	if !o.DirectFile {
		if !o.Transport.Valid() {
			return fmt.Errorf("config: unrecognized transport %q", o.Transport)
		}
		if o.Transport != TransportDASH {
			return fmt.Errorf("%w: %s", ErrUnsupportedTransport, o.Transport)
		}
	}
	return nil
}

// BitrateCeiling returns the configured max bitrate for mt, or 0 for
// unlimited.
func (o *EngineOptions) BitrateCeiling(mt models.MediaType) int {
	switch mt {
	case models.MediaAudio:
		return o.MaxAudioBitrate
	case models.MediaVideo:
		return o.MaxVideoBitrate
	default:
		return 0
	}
}

// InitialBitrate returns the configured starting bitrate for mt, or 0 if
// the ABR chooser should pick without a hint.
func (o *EngineOptions) InitialBitrate(mt models.MediaType) int {
	switch mt {
	case models.MediaAudio:
		return o.InitialAudioBitrate
	case models.MediaVideo:
		return o.InitialVideoBitrate
	default:
		return 0
	}
}
