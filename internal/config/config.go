// Package config provides the configuration schema and loader for the
// ravenpipe pipeline: a root YAML file plus environment overrides for the
// knobs operators tune per deployment.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ravenhq/ravenpipe/internal/pipeline"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("60s", "2m") or as a bare number of seconds, matching
// the seconds-based knobs the pipeline's env variables use.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a number of seconds or a duration string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Stage names accepted by the -stage flag.
const (
	StageDetector    = "detector"
	StageResponder   = "responder"
	StageSynthesizer = "synthesizer"
	StageBot         = "bot"
	StageAll         = "all"
)

// ValidStage reports whether s names a runnable stage.
func ValidStage(s string) bool {
	switch s {
	case StageDetector, StageResponder, StageSynthesizer, StageBot, StageAll:
		return true
	}
	return false
}

// Config is the root configuration, loaded from YAML via [Load] with
// [ApplyEnv] overrides on top.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Streams  StreamsConfig  `yaml:"streams"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Wake     WakeConfig     `yaml:"wake"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Bot      BotConfig      `yaml:"bot"`
}

// ServerConfig holds the health/metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address the health and stats endpoints listen on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RedisConfig locates the broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// StreamsConfig names the four pipeline streams. Defaults match the wire
// contract; overriding them is for test deployments sharing a broker.
type StreamsConfig struct {
	Transcripts string `yaml:"transcripts"`
	Commands    string `yaml:"commands"`
	Replies     string `yaml:"replies"`
	Audio       string `yaml:"audio"`
}

// ConsumerConfig tunes the shared stage-loop behaviour.
type ConsumerConfig struct {
	// Group prefix; each stage appends its own name.
	GroupPrefix string `yaml:"group_prefix"`

	// Name identifies this process within its consumer groups. Empty means
	// hostname plus pid.
	Name string `yaml:"name"`

	Workers       int      `yaml:"workers"`
	BatchSize     int      `yaml:"batch_size"`
	StaleAfter    Duration `yaml:"stale_after"`
	MaxDeliveries int      `yaml:"max_deliveries"`
}

// WakeConfig locates the wake-phrase pattern file.
type WakeConfig struct {
	// PatternsPath is the JSON pattern file, hot-reloaded while running.
	// Empty means built-in defaults with no reload.
	PatternsPath string `yaml:"patterns_path"`

	// PollInterval is how often the pattern file is checked for edits.
	PollInterval Duration `yaml:"poll_interval"`
}

// LLMConfig configures the reply generator.
type LLMConfig struct {
	// BaseURL is the ollama server. Ignored when Provider is set.
	BaseURL string `yaml:"base_url"`

	// Provider selects a cloud provider (openai, anthropic, gemini, ...)
	// instead of ollama. Empty means ollama.
	Provider string `yaml:"provider"`

	// APIKey authenticates against a cloud provider.
	APIKey string `yaml:"api_key"`

	Model       string   `yaml:"model"`
	Timeout     Duration `yaml:"timeout"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	// Persona overrides the default system preamble.
	Persona string `yaml:"persona"`

	// Language selects the fallback-reply language (en, es, fr, de).
	Language string `yaml:"language"`

	// HistoryTurns bounds the per-session conversation ring.
	HistoryTurns int `yaml:"history_turns"`
}

// TTSConfig configures synthesis.
type TTSConfig struct {
	// ServerURL is the primary HTTP synthesis backend. Empty disables the
	// primary engine; espeak carries all traffic.
	ServerURL string `yaml:"server_url"`

	Timeout       Duration `yaml:"timeout"`
	MaxTextLength int      `yaml:"max_text_length"`

	// DefaultLanguage is used when detection is inconclusive.
	DefaultLanguage string `yaml:"default_language"`

	// Voices maps language codes to engine voice names.
	Voices map[string]string `yaml:"voices"`

	// EspeakCommand overrides the espeak binary path.
	EspeakCommand string `yaml:"espeak_command"`
}

// BotConfig holds the playback stage's launch identity and bridge settings.
type BotConfig struct {
	// ConnectionID is assigned by the manager at launch.
	ConnectionID string `yaml:"connection_id"`

	// MeetingID names the meeting the bot is attached to.
	MeetingID string `yaml:"meeting_id"`

	// ManagerURL receives the exit callback. Empty disables it.
	ManagerURL string `yaml:"manager_url"`

	// BridgeListenAddr serves the browser websocket endpoint.
	BridgeListenAddr string `yaml:"bridge_listen_addr"`

	// DedupeWindow suppresses duplicate playback by message id.
	DedupeWindow Duration `yaml:"dedupe_window"`

	// QueueCap bounds the in-process audio queue.
	QueueCap int `yaml:"queue_cap"`
}

// Default returns a Config populated with every default value. Loading
// merges the file and environment on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8090",
			LogLevel:   LogInfo,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Streams: StreamsConfig{
			Transcripts: pipeline.StreamTranscripts,
			Commands:    pipeline.StreamCommands,
			Replies:     pipeline.StreamReplies,
			Audio:       pipeline.StreamAudio,
		},
		Consumer: ConsumerConfig{
			GroupPrefix:   "ravenpipe",
			Workers:       4,
			BatchSize:     pipeline.DefaultBatchSize,
			StaleAfter:    Duration(pipeline.DefaultStaleAfter),
			MaxDeliveries: pipeline.DefaultMaxDeliveries,
		},
		Wake: WakeConfig{
			PollInterval: Duration(5 * time.Second),
		},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434",
			Model:        "llama3",
			Timeout:      Duration(60 * time.Second),
			Temperature:  0.7,
			MaxTokens:    500,
			Language:     "en",
			HistoryTurns: 10,
		},
		TTS: TTSConfig{
			Timeout:         Duration(10 * time.Second),
			MaxTextLength:   1000,
			DefaultLanguage: "en",
		},
		Bot: BotConfig{
			BridgeListenAddr: ":8091",
			DedupeWindow:     Duration(2 * time.Minute),
			QueueCap:         64,
		},
	}
}
