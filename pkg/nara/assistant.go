// Package nara assembles the assistant: pipeline store, engine
// registry, observers, transports and the HTTP surface, wired from one
// config and run under a drain-aware lifecycle.
package nara

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/briefing"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/history"
	"github.com/naralabs/nara/pkg/logging"
	"github.com/naralabs/nara/pkg/media"
	"github.com/naralabs/nara/pkg/metrics"
	"github.com/naralabs/nara/pkg/mqttbridge"
	"github.com/naralabs/nara/pkg/observers"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/redact"
	"github.com/naralabs/nara/pkg/runner"
	"github.com/naralabs/nara/pkg/server"
	"github.com/naralabs/nara/pkg/store"
	"github.com/naralabs/nara/pkg/transports"
	"github.com/naralabs/nara/pkg/transports/satellite"
	"github.com/naralabs/nara/pkg/transports/telephony"
)

// Assistant owns every long-lived component and launches pipeline runs
// for the transports and the HTTP API.
type Assistant struct {
	cfg    Config
	logger *slog.Logger

	pipelines store.Store
	registry  *engines.Registry
	media     *media.Store
	runs      *pipeline.RunRegistry
	cooldown  *pipeline.CooldownGate

	asyncObs *metrics.AsyncObserver
	closers  []func() error

	bridge  *mqttbridge.Bridge
	archive *history.Store

	server     *server.Server
	transports []transports.Transport
	dialer     transports.Dialer

	runner *runner.LifecycleRunner
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) (*Assistant, error) {
	SetDefaultLogger(cfg.LogLevel)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := slog.Default()

	logger.Info("nara_init",
		"environment", cfg.Environment,
		"store_backend", cfg.Store.Backend,
		"satellite", cfg.Satellite.Enabled,
		"telephony", cfg.Telephony.Enabled,
		"history", cfg.History.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)

	a := &Assistant{cfg: cfg, logger: logger}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	pipelines, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open pipeline store: %w", err)
	}
	a.pipelines = pipelines
	if _, err := store.EnsureDefault(pipelines, defaultPipeline(cfg.Engines)); err != nil {
		return nil, fmt.Errorf("seed default pipeline: %w", err)
	}

	a.registry = engines.NewRegistry()
	if err := registerEngines(a.registry, cfg.Engines); err != nil {
		return nil, err
	}

	a.media = media.NewStore(cfg.Media.URLBase, cfg.Media.TTL, cfg.Media.MaxItems, logger)
	a.runs = pipeline.NewRunRegistry()
	a.cooldown = pipeline.NewCooldownGate()

	if err := a.buildObservers(); err != nil {
		return nil, err
	}

	if cfg.MQTT.Enabled {
		bridge, err := mqttbridge.NewBridge(cfg.MQTT.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
		a.bridge = bridge
		a.closers = append(a.closers, bridge.Close)
	}

	var briefings *briefing.Service
	if len(cfg.Briefings.Feeds) > 0 {
		briefings = briefing.NewService(cfg.Briefings, nil)
	}

	if cfg.Satellite.Enabled {
		a.transports = append(a.transports, satellite.New(cfg.Satellite.Config, a, logger))
	}
	if cfg.Telephony.Enabled {
		a.transports = append(a.transports, telephony.New(cfg.Telephony.Config, a, logger))
		a.dialer = telephony.NewDialer(cfg.Telephony.Config)
	}

	a.server = server.New(cfg.Server, server.Deps{
		Pipelines: pipelines,
		Engines:   a.registry,
		Launcher:  a,
		Dialer:    a.dialer,
		Media:     a.media,
		Briefings: briefings,
		Runs:      a.runs,
		Logger:    logger,
	})

	a.runner = runner.NewLifecycleRunner(runner.DrainerFunc(a.drain), runner.Hooks{
		OnStart: a.logReady,
		OnStop:  a.closeAll,
	}, 30*time.Second)

	return a, nil
}

// buildObservers assembles the metrics fan-out: console summaries
// always, artifacts and the run archive when configured, everything
// behind one async queue so runs never block on observers.
func (a *Assistant) buildObservers() error {
	cfg := a.cfg.Observability
	obsList := []metrics.Observer{
		observers.NewLatencyObserver(a.logger),
		observers.NewLoggerObserver(a.logger),
	}

	if dir := strings.TrimSpace(cfg.ArtifactsDir); dir != "" {
		if cfg.RetentionDays > 0 {
			if n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.RetentionDays)*24*time.Hour); err == nil && n > 0 {
				a.logger.Info("artifacts_purged", "removed", n)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		usage := observers.NewUsageObserver(dir)
		obsList = append(obsList, timeline, usage)
		a.closers = append(a.closers, timeline.Close, usage.Close)
	}

	if file := strings.TrimSpace(cfg.MetricsFile); file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		var jsonl metrics.Observer = metrics.NewJSONLObserver(f)
		if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
			jsonl = metrics.NewSamplingObserver(jsonl, cfg.SampleRate)
		}
		obsList = append(obsList, jsonl)
		a.closers = append(a.closers, f.Close)
	}

	if a.cfg.History.Enabled {
		ctx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
		archive, err := history.NewStore(ctx, a.cfg.History.Config)
		cancel()
		if err != nil {
			return fmt.Errorf("run history: %w", err)
		}
		a.archive = archive
		collector := history.NewCollector(archive, a.logger)
		obsList = append(obsList, collector)
		a.closers = append(a.closers, collector.Close, archive.Close)
	}

	a.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)
	return nil
}

// StartRun implements transports.RunLauncher for every front door.
func (a *Assistant) StartRun(ctx context.Context, req transports.RunRequest) (*pipeline.Input, error) {
	if ctx == nil {
		ctx = a.ctx
	}
	cfg, err := a.pipelines.Get(req.PipelineID)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPipelineNotFound)
	}

	runID := uuid.NewString()
	events := req.Events
	if a.bridge != nil {
		events = a.bridge.Sink(runID, cfg.ID, events)
	}
	events = observers.MirrorEvents(a.asyncObs, runID, cfg.ID, events)

	settings := a.cfg.Audio
	if req.AudioSettings != nil {
		settings = *req.AudioSettings
	}
	wakeSettings := a.cfg.Wake

	// Text-seeded runs arrive without audio; give the builder an empty
	// stream and metadata derived from the configured capture format.
	stream := req.Stream
	if stream == nil {
		empty := make(chan []byte)
		close(empty)
		stream = empty
	}
	meta := req.STTMetadata
	if meta == nil {
		meta = &stt.Metadata{
			Language: cfg.Language,
			Format: audio.Format{
				Codec:      audio.CodecPCM,
				SampleRate: settings.SampleRate,
				BitDepth:   8 * settings.SampleWidth,
				Channels:   settings.Channels,
			},
		}
	}

	in, err := pipeline.Builder{
		Context:           ctx,
		EventCallback:     events,
		STTMetadata:       meta,
		AudioStream:       stream,
		Pipelines:         a.pipelines,
		Engines:           a.registry,
		PipelineID:        req.PipelineID,
		StartStage:        req.StartStage,
		EndStage:          req.EndStage,
		ConversationID:    req.ConversationID,
		DeviceID:          req.DeviceID,
		WakeWordPhrase:    req.WakeWordPhrase,
		IntentInput:       req.IntentInput,
		TTSInput:          req.TTSInput,
		TTSOutputOverride: req.TTSOutput,
		RunID:             runID,
		AudioSettings:     &settings,
		WakeSettings:      &wakeSettings,
		Logger:            a.logger,
		Observer:          a.asyncObs,
		Media:             a.media,
		DebugDir:          a.cfg.Debug.AudioDir,
		Cooldown:          a.cooldown,
	}.Build()
	if err != nil {
		return nil, err
	}

	a.runs.Register(in)
	go func() {
		_ = in.Execute()
		a.runs.Unregister(in.ID())
	}()
	return in, nil
}

// Start brings up the media janitor, the transports, the HTTP server
// and the lifecycle runner. It returns once everything is listening.
func (a *Assistant) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.ctx, a.cancel = runCtx, cancel

	go a.media.Janitor(runCtx, time.Minute)

	for _, tr := range a.transports {
		if err := tr.Start(runCtx); err != nil {
			return fmt.Errorf("start %s transport: %w", tr.Name(), err)
		}
	}
	if err := a.server.Start(runCtx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	go func() {
		_ = a.runner.Run(runCtx)
	}()
	return nil
}

func (a *Assistant) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.runner.Stop()
}

// Dialer places outbound calls through the telephony transport; nil
// when telephony is disabled.
func (a *Assistant) Dialer() transports.Dialer {
	return a.dialer
}

func (a *Assistant) Pipelines() store.Store {
	return a.pipelines
}

func (a *Assistant) Engines() *engines.Registry {
	return a.registry
}

func (a *Assistant) Runs() *pipeline.RunRegistry {
	return a.runs
}

func (a *Assistant) Config() Config {
	return a.cfg
}

func (a *Assistant) logReady() {
	fields := []any{"message", "Nara Assistant Ready"}
	for k, v := range a.server.ReadyFields() {
		fields = append(fields, k, v)
	}
	for _, tr := range a.transports {
		if rr, ok := tr.(transports.ReadyReporter); ok {
			for k, v := range rr.ReadyFields() {
				fields = append(fields, tr.Name()+"_"+k, v)
			}
		}
	}
	a.logger.Info("assistant_ready", fields...)
}

// drain refuses new work, cancels in-flight runs and waits for their
// terminal events to flush.
func (a *Assistant) drain() error {
	for _, tr := range a.transports {
		_ = tr.Stop()
	}
	_ = a.server.Stop()

	for _, info := range a.runs.Active() {
		a.runs.Cancel(info.ID)
	}
	deadline := time.Now().Add(10 * time.Second)
	for len(a.runs.Active()) > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func (a *Assistant) closeAll() {
	if a.asyncObs != nil {
		a.asyncObs.Close()
	}
	for _, closeFn := range a.closers {
		_ = closeFn()
	}
	a.logger.Info("shutdown",
		"goroutines", runtime.NumGoroutine(),
		"active_runs", len(a.runs.Active()),
	)
}

func openStore(cfg StoreConfig) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewJSONStore(cfg.Path)
	}
}

// defaultPipeline seeds an empty store with the first configured
// provider of each stage so a fresh install can run immediately.
func defaultPipeline(cfg EnginesConfig) pipeline.Config {
	base := store.DefaultConfig()
	if len(cfg.Wake) > 0 {
		base.WakeEngine = entryInfo(cfg.Wake[0]).ID
	}
	if len(cfg.STT) > 0 {
		base.STTEngine = entryInfo(cfg.STT[0]).ID
	}
	if len(cfg.Conversation) > 0 {
		base.ConversationEngine = entryInfo(cfg.Conversation[0]).ID
	}
	if len(cfg.TTS) > 0 {
		base.TTSEngine = entryInfo(cfg.TTS[0]).ID
	}
	return base
}

// SetDefaultLogger installs the process-wide JSON logger at the
// configured level.
func SetDefaultLogger(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(logging.InitLogger(lvl))
}
