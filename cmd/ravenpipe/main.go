// Command ravenpipe runs the Hey Raven voice-assistant pipeline. One binary
// hosts all four stages; -stage selects which of them this process runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ravenhq/ravenpipe/internal/bot"
	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/config"
	"github.com/ravenhq/ravenpipe/internal/health"
	"github.com/ravenhq/ravenpipe/internal/observe"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
	"github.com/ravenhq/ravenpipe/internal/resilience"
	"github.com/ravenhq/ravenpipe/internal/responder"
	"github.com/ravenhq/ravenpipe/internal/synthesizer"
	"github.com/ravenhq/ravenpipe/internal/wake"
	"github.com/ravenhq/ravenpipe/pkg/provider/llm"
	"github.com/ravenhq/ravenpipe/pkg/provider/llm/anyllm"
	"github.com/ravenhq/ravenpipe/pkg/provider/llm/ollama"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts/espeak"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts/remote"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: defaults + env)")
	stage := flag.String("stage", config.StageAll, "pipeline stage to run: detector|responder|synthesizer|bot|all")
	flag.Parse()

	if !config.ValidStage(*stage) {
		fmt.Fprintf(os.Stderr, "ravenpipe: unknown stage %q\n", *stage)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ravenpipe: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("ravenpipe starting",
		"stage", *stage,
		"redis", cfg.Redis.Addr,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// Track the terminating signal so the bot stage can report the
	// conventional exit code to its manager.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := watchSignals(ctx, cancel)

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	bk := broker.New(broker.Config{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	defer bk.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = bk.Ping(pingCtx)
	pingCancel()
	if err != nil {
		slog.Error("broker unreachable", "addr", cfg.Redis.Addr, "error", err)
		return 1
	}

	checker := health.New(health.Checker{Name: "broker", Check: bk.Ping})
	consumerName := cfg.Consumer.Name
	if consumerName == "" {
		host, _ := os.Hostname()
		consumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	g, gctx := errgroup.WithContext(ctx)
	wants := func(s string) bool { return *stage == s || *stage == config.StageAll }

	if wants(config.StageDetector) {
		c, cleanup, err := buildDetector(cfg, bk, consumerName, checker)
		if err != nil {
			slog.Error("detector init failed", "error", err)
			return 1
		}
		defer cleanup()
		g.Go(func() error { return c.Run(gctx) })
	}

	if wants(config.StageResponder) {
		c, err := buildResponder(gctx, cfg, bk, consumerName, checker)
		if err != nil {
			slog.Error("responder init failed", "error", err)
			return 1
		}
		g.Go(func() error { return c.Run(gctx) })
	}

	if wants(config.StageSynthesizer) {
		c, err := buildSynthesizer(cfg, bk, consumerName, checker)
		if err != nil {
			slog.Error("synthesizer init failed", "error", err)
			return 1
		}
		g.Go(func() error { return c.Run(gctx) })
	}

	var player *bot.Player
	var callback *bot.ManagerCallback
	if wants(config.StageBot) {
		var c *pipeline.Consumer
		c, player, callback = buildBot(cfg, bk, consumerName, checker, g, gctx)
		g.Go(func() error { return c.Run(gctx) })
	}

	serveHTTP(gctx, g, cfg.Server.ListenAddr, checker)

	slog.Info("ravenpipe ready")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline stopped", "error", err)
	}

	if player != nil {
		// Let an in-flight playback drain before reporting exit.
		<-player.Done()
	}

	code := bot.ExitCodeForSignal(sig.Name())
	if code == 0 && err != nil && !errors.Is(err, context.Canceled) {
		code = 1
	}
	if callback != nil {
		cbCtx, cbCancel := context.WithTimeout(context.Background(), 10*time.Second)
		callback.Report(cbCtx, code, exitReason(sig.Name(), err), err)
		cbCancel()
	}

	slog.Info("ravenpipe stopped", "exit_code", code)
	return code
}

// buildDetector assembles the wake-phrase stage: pattern source (hot
// reloaded when a file is configured), command emitter, and its consumer.
func buildDetector(cfg *config.Config, bk *broker.Client, consumerName string, checker *health.Handler) (*pipeline.Consumer, func(), error) {
	patterns := func() *wake.Patterns { return wake.DefaultPatterns() }
	cleanup := func() {}
	if cfg.Wake.PatternsPath != "" {
		watcher, err := wake.NewWatcher(cfg.Wake.PatternsPath,
			wake.WithPollInterval(cfg.Wake.PollInterval.Std()))
		if err != nil {
			return nil, nil, fmt.Errorf("load wake patterns: %w", err)
		}
		patterns = watcher.Current
		cleanup = watcher.Stop
	}

	h := wake.NewHandler(bk, patterns,
		wake.WithOutputStream(cfg.Streams.Commands),
		wake.WithHandlerMetrics(observe.DefaultMetrics()),
	)
	c := newStageConsumer(cfg, bk, cfg.Streams.Transcripts, "detector", consumerName, h.Handle)
	checker.AddStats(health.StatSource{Name: "detector", Source: statsSource(c)})
	return c, cleanup, nil
}

// buildResponder assembles the reply-generation stage. The LLM backend is
// ollama unless a cloud provider is configured; ollama additionally ensures
// the model is present before the stage is considered up.
func buildResponder(ctx context.Context, cfg *config.Config, bk *broker.Client, consumerName string, checker *health.Handler) (*pipeline.Consumer, error) {
	var provider llm.Provider
	if cfg.LLM.Provider != "" {
		var llmOpts []anyllmlib.Option
		if cfg.LLM.APIKey != "" {
			llmOpts = append(llmOpts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
		}
		p, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("llm provider %q: %w", cfg.LLM.Provider, err)
		}
		provider = p
	} else {
		p, err := ollama.New(cfg.LLM.BaseURL, cfg.LLM.Model,
			ollama.WithTimeout(cfg.LLM.Timeout.Std()))
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		if err := p.EnsureModel(ctx); err != nil {
			return nil, fmt.Errorf("ollama model %q unavailable: %w", cfg.LLM.Model, err)
		}
		provider = p
	}
	checker.AddCheckers(health.Checker{Name: "llm", Check: provider.Health})

	history := responder.NewHistory(
		responder.WithMaxTurns(cfg.LLM.HistoryTurns),
		responder.WithStore(bk),
	)

	opts := []responder.HandlerOption{
		responder.WithOutputStream(cfg.Streams.Replies),
		responder.WithModel(cfg.LLM.Model),
		responder.WithSampling(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		responder.WithLanguage(cfg.LLM.Language),
		responder.WithMetrics(observe.DefaultMetrics()),
	}
	if cfg.LLM.Persona != "" {
		opts = append(opts, responder.WithPersona(cfg.LLM.Persona))
	}
	h := responder.NewHandler(bk, provider, history, opts...)

	c := newStageConsumer(cfg, bk, cfg.Streams.Commands, "responder", consumerName, h.Handle)
	checker.AddStats(health.StatSource{Name: "responder", Source: statsSource(c)})
	return c, nil
}

// buildSynthesizer assembles the TTS stage: the remote engine as primary
// with espeak as local fallback, each behind its own circuit breaker.
func buildSynthesizer(cfg *config.Config, bk *broker.Client, consumerName string, checker *health.Handler) (*pipeline.Consumer, error) {
	var espeakOpts []espeak.Option
	if cfg.TTS.EspeakCommand != "" {
		espeakOpts = append(espeakOpts, espeak.WithBinary(cfg.TTS.EspeakCommand))
	}
	local := espeak.New(espeakOpts...)

	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.BreakerConfig{}}
	var engines *resilience.FallbackGroup[tts.Engine]
	if cfg.TTS.ServerURL != "" {
		primary, err := remote.New(cfg.TTS.ServerURL, remote.WithTimeout(cfg.TTS.Timeout.Std()))
		if err != nil {
			return nil, fmt.Errorf("tts server: %w", err)
		}
		engines = resilience.NewFallbackGroup[tts.Engine](primary, primary.Name(), fbCfg)
		engines.AddFallback(local.Name(), local)
		checker.AddCheckers(health.Checker{Name: "tts", Check: primary.Health})
	} else {
		engines = resilience.NewFallbackGroup[tts.Engine](local, local.Name(), fbCfg)
	}

	voices := make(map[string]tts.VoiceOptions, len(cfg.TTS.Voices))
	for lang, voice := range cfg.TTS.Voices {
		voices[lang] = tts.VoiceOptions{Voice: voice}
	}

	stats := tts.NewStatsRecorder()
	h := synthesizer.NewHandler(bk, engines, stats, synthesizer.NewDetector(cfg.TTS.DefaultLanguage),
		synthesizer.WithOutputStream(cfg.Streams.Audio),
		synthesizer.WithMaxTextLength(cfg.TTS.MaxTextLength),
		synthesizer.WithVoices(voices),
		synthesizer.WithMetrics(observe.DefaultMetrics()),
	)

	c := newStageConsumer(cfg, bk, cfg.Streams.Replies, "synthesizer", consumerName, h.Handle)
	checker.AddStats(
		health.StatSource{Name: "synthesizer", Source: statsSource(c)},
		health.StatSource{Name: "tts_engines", Source: func() any { return h.Stats() }},
		health.StatSource{Name: "breakers", Source: func() any { return engines.States() }},
	)
	return c, nil
}

// buildBot assembles the playback stage: session binding, the browser
// bridge endpoint, the player loop, and the audio consumer.
func buildBot(cfg *config.Config, bk *broker.Client, consumerName string, checker *health.Handler, g *errgroup.Group, gctx context.Context) (*pipeline.Consumer, *bot.Player, *bot.ManagerCallback) {
	binding := bot.NewSessionBinding(cfg.Bot.ConnectionID, cfg.Bot.MeetingID, slog.Default())

	// Player and bridge reference each other; the proxy breaks the cycle
	// and is populated before any goroutine can call through it.
	proxy := &bridgeProxy{}
	player := bot.NewPlayer(proxy, binding,
		bot.WithDedupeWindow(cfg.Bot.DedupeWindow.Std()),
		bot.WithQueueCap(cfg.Bot.QueueCap),
		bot.WithPlayerMetrics(observe.DefaultMetrics()),
	)
	bridge := bot.NewWSBridge(player, slog.Default())
	proxy.bridge = bridge

	g.Go(func() error {
		player.Run(gctx)
		return nil
	})

	bridgeMux := http.NewServeMux()
	bridgeMux.Handle("/bridge", bridge)
	serveOn(gctx, g, cfg.Bot.BridgeListenAddr, bridgeMux)

	callback := bot.NewManagerCallback(cfg.Bot.ManagerURL, cfg.Bot.ConnectionID, slog.Default())

	h := bot.NewHandler(player, slog.Default())
	c := newStageConsumer(cfg, bk, cfg.Streams.Audio, "bot", consumerName, h.Handle)
	checker.AddStats(
		health.StatSource{Name: "bot", Source: statsSource(c)},
		health.StatSource{Name: "playback", Source: func() any {
			return map[string]any{
				"state":       player.State().String(),
				"queue_depth": player.QueueLen(),
				"session_uid": binding.SessionUID(),
			}
		}},
	)
	return c, player, callback
}

type bridgeProxy struct {
	bridge *bot.WSBridge
}

func (p *bridgeProxy) PlayAudio(ctx context.Context, blob []byte, format, messageID string) error {
	return p.bridge.PlayAudio(ctx, blob, format, messageID)
}

func (p *bridgeProxy) SetMicMuted(ctx context.Context, muted bool) error {
	return p.bridge.SetMicMuted(ctx, muted)
}

func newStageConsumer(cfg *config.Config, bk *broker.Client, stream, stage, consumerName string, handler pipeline.Handler) *pipeline.Consumer {
	group := cfg.Consumer.GroupPrefix + ":" + stage
	return pipeline.NewConsumer(bk, stream, group, consumerName, handler,
		pipeline.WithBatchSize(int64(cfg.Consumer.BatchSize)),
		pipeline.WithWorkers(cfg.Consumer.Workers),
		pipeline.WithStaleAfter(cfg.Consumer.StaleAfter.Std()),
		pipeline.WithMaxDeliveries(int64(cfg.Consumer.MaxDeliveries)),
		pipeline.WithLogger(slog.Default().With("stage", stage)),
		pipeline.WithMetrics(observe.DefaultMetrics(), stage),
	)
}

func statsSource(c *pipeline.Consumer) func() any {
	return func() any { return c.Stats().Snapshot() }
}

// serveHTTP runs the health/metrics listener until the group context ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, addr string, checker *health.Handler) {
	mux := http.NewServeMux()
	checker.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	serveOn(ctx, g, addr, mux)
}

func serveOn(ctx context.Context, g *errgroup.Group, addr string, mux *http.ServeMux) {
	srv := &http.Server{Addr: addr, Handler: mux}
	g.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
}

// signalState remembers which signal terminated the process.
type signalState struct {
	mu   sync.Mutex
	name string
}

func (s *signalState) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// watchSignals cancels ctx's cancel func on SIGINT or SIGTERM and records
// the signal name. A second signal exits immediately.
func watchSignals(ctx context.Context, cancel context.CancelFunc) *signalState {
	state := &signalState{}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-ch:
			state.mu.Lock()
			state.name = s.String()
			state.mu.Unlock()
			slog.Info("shutdown signal received", "signal", s.String())
			cancel()
		case <-ctx.Done():
			return
		}
		s := <-ch
		slog.Warn("second signal, exiting now", "signal", s.String())
		os.Exit(bot.ExitCodeForSignal(s.String()))
	}()
	return state
}

func exitReason(sig string, err error) string {
	switch {
	case sig != "":
		return "signal: " + sig
	case err != nil && !errors.Is(err, context.Canceled):
		return "pipeline error"
	default:
		return "normal shutdown"
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
