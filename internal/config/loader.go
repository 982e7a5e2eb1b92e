package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies environment overrides, and
// returns a validated [Config]. An empty path skips the file and builds the
// config from defaults plus environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Environment overrides are not applied; useful in
// tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg fields from the environment. Malformed numeric
// values are logged and ignored rather than failing startup.
func ApplyEnv(cfg *Config) {
	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)

	envString("STREAM_TRANSCRIPTS", &cfg.Streams.Transcripts)
	envString("STREAM_COMMANDS", &cfg.Streams.Commands)
	envString("STREAM_REPLIES", &cfg.Streams.Replies)
	envString("STREAM_AUDIO", &cfg.Streams.Audio)
	envString("CONSUMER_NAME", &cfg.Consumer.Name)
	envString("CONSUMER_GROUP_PREFIX", &cfg.Consumer.GroupPrefix)

	envString("WAKE_CONFIG_PATH", &cfg.Wake.PatternsPath)

	envString("OLLAMA_HOST", &cfg.LLM.BaseURL)
	envString("OLLAMA_MODEL", &cfg.LLM.Model)
	envSeconds("OLLAMA_API_TIMEOUT", &cfg.LLM.Timeout)
	envString("LLM_PROVIDER", &cfg.LLM.Provider)
	envString("LLM_API_KEY", &cfg.LLM.APIKey)
	envString("LLM_LANGUAGE", &cfg.LLM.Language)

	envString("TTS_SERVER_URL", &cfg.TTS.ServerURL)
	envSeconds("TTS_TIMEOUT", &cfg.TTS.Timeout)
	envInt("MAX_TEXT_LENGTH", &cfg.TTS.MaxTextLength)

	envString("CONNECTION_ID", &cfg.Bot.ConnectionID)
	envString("MEETING_ID", &cfg.Bot.MeetingID)
	envString("MANAGER_CALLBACK_URL", &cfg.Bot.ManagerURL)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed env override", "key", key, "value", v)
		return
	}
	*dst = n
}

// envSeconds reads a duration env var given as a number of seconds, the
// convention the pipeline's deployment scripts use.
func envSeconds(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed env override", "key", key, "value", v)
		return
	}
	*dst = Duration(time.Duration(seconds * float64(time.Second)))
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every failure found; suspicious but workable values are logged as
// warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	streams := map[string]string{
		"streams.transcripts": cfg.Streams.Transcripts,
		"streams.commands":    cfg.Streams.Commands,
		"streams.replies":     cfg.Streams.Replies,
		"streams.audio":       cfg.Streams.Audio,
	}
	for name, v := range streams {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	if cfg.Consumer.GroupPrefix == "" {
		errs = append(errs, errors.New("consumer.group_prefix must not be empty"))
	}
	if cfg.Consumer.BatchSize < 0 || cfg.Consumer.Workers < 0 || cfg.Consumer.MaxDeliveries < 0 {
		errs = append(errs, errors.New("consumer counts must not be negative"))
	}

	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.Provider != "" && cfg.LLM.APIKey == "" {
		slog.Warn("llm.provider set without llm.api_key; the provider's own env credentials must be present")
	}
	if cfg.LLM.Timeout <= 0 {
		slog.Warn("llm.timeout is zero; generation calls will run unbounded")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}

	if cfg.TTS.Timeout <= 0 {
		slog.Warn("tts.timeout is zero; synthesis calls will run unbounded")
	}
	if cfg.TTS.MaxTextLength <= 0 {
		errs = append(errs, errors.New("tts.max_text_length must be positive"))
	}
	if cfg.TTS.ServerURL == "" {
		slog.Warn("tts.server_url is empty; espeak carries all synthesis")
	}

	if cfg.Bot.QueueCap <= 0 {
		errs = append(errs, errors.New("bot.queue_cap must be positive"))
	}

	return errors.Join(errs...)
}
