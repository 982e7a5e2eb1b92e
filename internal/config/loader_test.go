package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderMergesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
redis:
  addr: redis.internal:6390
llm:
  model: mistral
  timeout: 90s
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6390" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.LLM.Model != "mistral" {
		t.Errorf("llm.model = %q", cfg.LLM.Model)
	}
	if got := cfg.LLM.Timeout.Std(); got != 90*time.Second {
		t.Errorf("llm.timeout = %v, want 90s", got)
	}
	// Untouched sections keep their defaults.
	if cfg.Streams.Commands != "hey_raven_commands" {
		t.Errorf("streams.commands = %q, want default", cfg.Streams.Commands)
	}
	if got := cfg.TTS.Timeout.Std(); got != 10*time.Second {
		t.Errorf("tts.timeout = %v, want default 10s", got)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("rediss:\n  addr: oops\n"))
	if err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("tts:\n  timeout: 15\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.TTS.Timeout.Std(); got != 15*time.Second {
		t.Errorf("tts.timeout = %v, want 15s", got)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("tts:\n  timeout: soon\n")); err == nil {
		t.Fatal("unparsable duration accepted")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ravenpipe.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr = %q, want default", cfg.Redis.Addr)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "broker:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OLLAMA_API_TIMEOUT", "120")
	t.Setenv("MAX_TEXT_LENGTH", "500")
	t.Setenv("WAKE_CONFIG_PATH", "/etc/raven/patterns.json")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Redis.Addr != "broker:6379" || cfg.Redis.DB != 3 {
		t.Errorf("redis = %q/%d", cfg.Redis.Addr, cfg.Redis.DB)
	}
	if got := cfg.LLM.Timeout.Std(); got != 120*time.Second {
		t.Errorf("llm timeout = %v, want 120s", got)
	}
	if cfg.TTS.MaxTextLength != 500 {
		t.Errorf("max text length = %d", cfg.TTS.MaxTextLength)
	}
	if cfg.Wake.PatternsPath != "/etc/raven/patterns.json" {
		t.Errorf("patterns path = %q", cfg.Wake.PatternsPath)
	}
	if cfg.Server.LogLevel != LogWarn {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
}

func TestApplyEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("REDIS_DB", "three")
	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Redis.DB != 0 {
		t.Errorf("redis.db = %d, want default 0", cfg.Redis.DB)
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Streams.Transcripts = ""
	cfg.LLM.Model = ""
	cfg.Bot.QueueCap = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"server.log_level", "streams.transcripts", "llm.model", "bot.queue_cap"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidStage(t *testing.T) {
	for _, s := range []string{StageDetector, StageResponder, StageSynthesizer, StageBot, StageAll} {
		if !ValidStage(s) {
			t.Errorf("ValidStage(%q) = false", s)
		}
	}
	if ValidStage("recognizer") {
		t.Error("unknown stage accepted")
	}
}
