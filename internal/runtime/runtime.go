package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/bridge"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/conversation"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/mask"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/recorder"
	"github.com/loqalabs/loqa-narrator/internal/routing"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	mixer    *audio.Mixer
	masks    *mask.Scheduler
	recorder *recorder.Recorder
	voice    *voice.Client
	machine  *conversation.Machine
	bridge   *bridge.Service
	timeline *timeline
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.build(ctx); err != nil {
		r.close()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr && r.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopConversation(shutdownCtx)
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// build wires every component from config. Partially built runtimes are
// released with close.
func (r *Runtime) build(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	resolver := audio.FileResolver{Dir: r.cfg.Audio.AssetDir}
	r.mixer = audio.NewMixer(mixerConfig(r.cfg.Audio),
		audio.NewVirtualPlayer(resolver, false),
		audio.NewVirtualPlayer(resolver, true),
		r.logger)

	router, err := routing.New(r.cfg.Routing, r.logger)
	if err != nil {
		return fmt.Errorf("configure audio routing: %w", err)
	}

	r.masks = mask.NewScheduler(maskConfig(r.cfg.Audio), mask.PersonaCatalog(r.cfg.Personas),
		r.mixer.Ambience(), router, audio.VirtualFactory(resolver), r.logger)

	r.recorder = recorder.New(recorder.Options{
		Enabled:           r.cfg.Recorder.Enabled,
		Dir:               r.cfg.Recorder.Directory,
		BatchFrames:       r.cfg.Recorder.BatchFrames,
		DefaultSampleRate: r.cfg.Recorder.DefaultSampleRate,
		Channels:          r.cfg.Recorder.Channels,
		OnResult:          r.handleRecording,
	}, r.logger)

	tokens, err := r.tokenSource()
	if err != nil {
		return err
	}

	r.voice = voice.New(r.cfg.Conversation.VoiceURL, r.logger)
	registry := conversation.NewRegistry(r.logger)
	r.machine = conversation.NewMachine(conversation.OptionsFromConfig(r.cfg.Conversation),
		r.voice, tokens, router, r.recorder, r.masks, registry, r.logger)
	r.voice.SetHandler(r.machine)

	r.timeline = newTimeline(r.store, r.logger)
	r.machine.Subscribe("", r.timeline.handle)

	if r.bus != nil {
		r.bridge = bridge.NewService(ctx, r.bus, r.machine, r.persona, r.logger)
		if err := r.bridge.Start(); err != nil {
			return fmt.Errorf("start bus bridge: %w", err)
		}
	}
	return nil
}

func (r *Runtime) tokenSource() (conversation.TokenSource, error) {
	identity, err := conversation.NewIdentityProvider(r.cfg.Conversation)
	if err != nil {
		return nil, fmt.Errorf("configure identity provider: %w", err)
	}
	client, err := conversation.NewTokenClient(r.cfg.Conversation, identity, r.logger)
	if errors.Is(err, conversation.ErrMissingEndpoint) {
		r.logger.Warn("conversation token endpoint not configured; conversations will fail to start")
		return unavailableTokens{err: err}, nil
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// unavailableTokens fails every fetch with the configuration error.
type unavailableTokens struct{ err error }

func (u unavailableTokens) FetchToken(context.Context, string) (string, error) {
	return "", u.err
}

func (r *Runtime) persona(id string) (conversation.Persona, bool) {
	p, ok := r.cfg.Persona(id)
	if !ok {
		return conversation.Persona{}, false
	}
	return conversation.Persona{ID: p.ID, Name: p.Name, AgentID: p.AgentID}, true
}

func (r *Runtime) handleRecording(res recorder.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.AppendRecording(ctx, eventstore.Recording{
		ID:         res.ID,
		SessionID:  res.SessionID,
		Path:       res.Path,
		URI:        res.URI,
		SampleRate: res.SampleRate,
		Bytes:      res.Bytes,
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
	})
	if err != nil {
		r.logger.Warn("failed to index recording", slog.String("id", res.ID), slog.String("error", err.Error()))
	}
	if r.bridge != nil {
		r.bridge.PublishRecording(res)
	}
}

func (r *Runtime) stopConversation(ctx context.Context) {
	if r.machine == nil {
		return
	}
	if err := r.machine.StopConversation(ctx, conversation.StopOptions{Force: true}); err != nil {
		r.logger.Warn("failed to stop conversation on shutdown", slog.String("error", err.Error()))
	}
}

func (r *Runtime) close() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.machine != nil {
		r.machine.Close()
	}
	if r.timeline != nil {
		r.timeline.Close()
	}
	if r.masks != nil {
		r.masks.Clear()
	}
	if r.mixer != nil {
		if err := r.mixer.Close(); err != nil {
			r.logger.Warn("mixer close error", slog.String("error", err.Error()))
		}
	}
	if r.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.recorder.Stop(ctx); err != nil {
			r.logger.Warn("recorder stop error", slog.String("error", err.Error()))
		}
		cancel()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
}

func mixerConfig(cfg config.AudioConfig) audio.MixerConfig {
	return audio.MixerConfig{
		AmbienceNormal: cfg.AmbienceNormal,
		AmbienceQuiet:  cfg.AmbienceQuiet,
		FrameInterval:  config.Millis(cfg.FrameIntervalMS),
		Verbose:        cfg.Verbose,
		ChaosMode:      cfg.ChaosMode,
		ChaosMin:       config.Millis(cfg.ChaosMinDelayMS),
		ChaosMax:       config.Millis(cfg.ChaosMaxDelayMS),
	}
}

func maskConfig(cfg config.AudioConfig) mask.Config {
	return mask.Config{
		DuckVolume:    cfg.MaskDuckVolume,
		DuckFade:      config.Millis(cfg.MaskDuckFadeMS),
		PollInterval:  config.Millis(cfg.MaskPollInterval),
		FrameInterval: config.Millis(cfg.FrameIntervalMS),
		Verbose:       cfg.Verbose,
	}
}
