package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/routing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options carries the session timeouts.
type Options struct {
	StartTimeout         time.Duration
	EndTimeout           time.Duration
	SettleTimeout        time.Duration
	PreemptTimeout       time.Duration
	ReapplyPlayback      bool
	ReapplyPlaybackDelay time.Duration
}

// OptionsFromConfig maps the conversation config section.
func OptionsFromConfig(cfg config.ConversationConfig) Options {
	return Options{
		StartTimeout:         config.Millis(cfg.StartTimeoutMS),
		EndTimeout:           config.Millis(cfg.EndTimeoutMS),
		SettleTimeout:        config.Millis(cfg.SettleTimeoutMS),
		PreemptTimeout:       config.Millis(cfg.PreemptTimeoutMS),
		ReapplyPlayback:      cfg.ReapplyPlayback,
		ReapplyPlaybackDelay: config.Millis(cfg.ReapplyPlaybackDelayMS),
	}
}

func (o *Options) setDefaults() {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
	if o.EndTimeout <= 0 {
		o.EndTimeout = 15 * time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 2 * time.Second
	}
	if o.PreemptTimeout <= 0 {
		o.PreemptTimeout = 5 * time.Second
	}
	if o.ReapplyPlaybackDelay <= 0 {
		o.ReapplyPlaybackDelay = 250 * time.Millisecond
	}
}

// Machine owns the single logical voice session. All mutation goes through
// StartConversation, StopConversation and the EventHandler callbacks; any
// continuation after a blocking call re-checks requestID before touching
// state.
type Machine struct {
	opts     Options
	service  Service
	tokens   TokenSource
	router   routing.Router
	recorder Recorder
	masks    MaskController
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	starts metric.Int64Counter
	stops  metric.Int64Counter
	events metric.Int64Counter

	mu             sync.Mutex
	status         Status
	mode           Mode
	personaID      string
	ownerKey       string
	sessionID      string
	conversationID string
	requestID      uint64
	startInFlight  bool
	lastError      string
	disconnectSeen bool
	reapplyTimer   *time.Timer
	replaced       *replacedSession
}

// replacedSession is a connected session taken over by a newer start. Its
// owner is told about the disconnect once, and its recording is closed,
// whichever of its own disconnect, the pre-empt or the end of the start
// comes first.
type replacedSession struct {
	owner string
	evt   Event
}

func NewMachine(opts Options, service Service, tokens TokenSource, router routing.Router, rec Recorder, masks MaskController, registry *Registry, logger *slog.Logger) *Machine {
	opts.setDefaults()
	m := &Machine{
		opts:     opts,
		service:  service,
		tokens:   tokens,
		router:   router,
		recorder: rec,
		masks:    masks,
		registry: registry,
		logger:   logger.With(slog.String("component", "conversation")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-narrator/conversation"),
		now:      time.Now,
		status:   StatusDisconnected,
	}
	m.initMetrics()
	return m
}

func (m *Machine) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/conversation")
	if c, err := meter.Int64Counter("narrator.conversation.starts", metric.WithDescription("Conversation start attempts by outcome")); err == nil {
		m.starts = c
	}
	if c, err := meter.Int64Counter("narrator.conversation.stops", metric.WithDescription("Conversation stop requests by result")); err == nil {
		m.stops = c
	}
	if c, err := meter.Int64Counter("narrator.conversation.events", metric.WithDescription("Session events fanned out to listeners")); err == nil {
		m.events = c
	}
	status, err := meter.Int64ObservableGauge("narrator.conversation.connected", metric.WithDescription("1 while a session is connected"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var v int64
		if m.Snapshot().Status == StatusConnected {
			v = 1
		}
		obs.ObserveInt64(status, v)
		return nil
	}, status)
}

func (m *Machine) count(c metric.Int64Counter, result string) {
	if c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// Subscribe registers a listener for session events.
func (m *Machine) Subscribe(ownerKey string, l Listener) func() {
	return m.registry.Subscribe(ownerKey, l)
}

// Snapshot returns the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:         m.status,
		Mode:           m.mode,
		PersonaID:      m.personaID,
		OwnerKey:       m.ownerKey,
		SessionID:      m.sessionID,
		ConversationID: m.conversationID,
		RequestID:      m.requestID,
		StartInFlight:  m.startInFlight,
		LastError:      m.lastError,
	}
}

// StartConversation connects persona. A call made while another start is
// in flight is a no-op. A start superseded by a newer request returns nil
// without touching state.
func (m *Machine) StartConversation(ctx context.Context, persona Persona, opts StartOptions) (err error) {
	m.mu.Lock()
	if m.startInFlight {
		m.mu.Unlock()
		m.logger.Debug("start ignored, another start is in flight", slog.String("persona", persona.ID))
		m.count(m.starts, "in_flight")
		return nil
	}
	m.startInFlight = true
	m.requestID++
	req := m.requestID
	m.cancelReapplyLocked()
	if m.personaID != "" && m.status == StatusConnected {
		evt := m.eventLocked(EventDisconnected)
		evt.Status = StatusDisconnected
		m.replaced = &replacedSession{owner: m.ownerKey, evt: evt}
	}
	m.status = StatusConnecting
	m.mode = ModeNone
	m.personaID = persona.ID
	m.ownerKey = opts.OwnerKey
	m.sessionID = uuid.NewString()
	m.conversationID = ""
	m.lastError = ""
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.startInFlight = false
		m.mu.Unlock()
	}()
	defer func() {
		if !m.releaseReplaced(ReasonUser) {
			return
		}
		// The start gave up before ending the previous call.
		if m.Snapshot().Status == StatusDisconnected && m.service.Status() == StatusConnected {
			m.forceEnd(ReasonUser)
		}
	}()

	ctx, span := m.tracer.Start(ctx, "conversation.start", trace.WithAttributes(
		attribute.String("persona", persona.ID),
		attribute.String("owner_key", opts.OwnerKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := m.logger.With(slog.String("persona", persona.ID), slog.Uint64("request_id", req))

	if persona.AgentID == "" {
		err := fmt.Errorf("%w: %s", ErrMissingAgent, persona.ID)
		m.revert(req, err)
		logger.Warn("cannot start conversation", slog.String("error", err.Error()))
		m.count(m.starts, "config_error")
		return err
	}

	m.masks.Stop()

	token, err := m.tokens.FetchToken(ctx, persona.AgentID)
	if err != nil {
		if !m.current(req) {
			return nil
		}
		m.revert(req, err)
		logger.Warn("conversation token fetch failed", slog.String("error", err.Error()))
		m.count(m.starts, "token_error")
		return fmt.Errorf("fetch conversation token: %w", err)
	}

	if !m.current(req) {
		logger.Debug("start superseded after token fetch")
		m.count(m.starts, "stale")
		return nil
	}

	if m.service.Status() == StatusConnected {
		_, outcome, err := withTimeout(ctx, m.opts.PreemptTimeout, endSession(m.service, ReasonUser))
		if outcome != outcomeOK {
			logger.Warn("failed to end previous session", slog.String("outcome", outcome.String()), slog.String("error", err.Error()))
		}
	}
	m.releaseReplaced(ReasonUser)

	if err := m.router.ConfigureVoice(ctx); err != nil {
		logger.Warn("failed to route audio for voice", slog.String("error", err.Error()))
	}

	conversationID, outcome, err := withTimeout(ctx, m.opts.StartTimeout, func(ctx context.Context) (string, error) {
		return m.service.StartSession(ctx, token)
	})
	switch outcome {
	case outcomeTimeout:
		m.forceEnd(ReasonError)
		m.routePlayback()
		if !m.current(req) {
			return nil
		}
		m.revert(req, err)
		logger.Warn("conversation start timed out", slog.String("error", err.Error()))
		m.count(m.starts, "timeout")
		return err
	case outcomeRejected:
		m.routePlayback()
		if !m.current(req) {
			return nil
		}
		m.revert(req, err)
		logger.Warn("conversation start rejected", slog.String("error", err.Error()))
		m.count(m.starts, "rejected")
		return fmt.Errorf("start session: %w", err)
	}

	m.mu.Lock()
	if req != m.requestID {
		m.mu.Unlock()
		// A stop ran while the session was starting.
		m.forceEnd(ReasonUser)
		m.count(m.starts, "stale")
		return nil
	}
	if m.conversationID == "" {
		m.conversationID = conversationID
	}
	m.mu.Unlock()

	logger.Info("conversation started", slog.String("conversation_id", conversationID))
	m.count(m.starts, "ok")
	return nil
}

// StopConversation ends the session. It is a no-op when opts.OwnerKey names
// a different owner than the active one and Force is not set.
func (m *Machine) StopConversation(ctx context.Context, opts StopOptions) error {
	m.mu.Lock()
	if !opts.Force && opts.OwnerKey != "" && m.ownerKey != "" && opts.OwnerKey != m.ownerKey {
		owner := m.ownerKey
		m.mu.Unlock()
		m.logger.Info("stop ignored, session owned by another caller",
			slog.String("owner_key", owner),
			slog.String("requested_by", opts.OwnerKey),
		)
		m.count(m.stops, "not_owner")
		return nil
	}
	m.requestID++
	req := m.requestID
	active := m.personaID != ""
	m.disconnectSeen = false
	m.mu.Unlock()

	_, outcome, err := withTimeout(ctx, m.opts.EndTimeout, endSession(m.service, ReasonUser))
	if outcome != outcomeOK {
		m.logger.Warn("failed to end session", slog.String("outcome", outcome.String()), slog.String("error", err.Error()))
	}
	if !m.waitDisconnected(ctx, m.opts.SettleTimeout) {
		m.logger.Warn("session did not settle, forcing end")
		m.forceEnd(ReasonUser)
	}

	m.mu.Lock()
	if req != m.requestID {
		m.mu.Unlock()
		m.count(m.stops, "stale")
		return nil
	}
	notify := active && !m.disconnectSeen
	evt := m.eventLocked(EventDisconnected)
	owner := m.ownerKey
	m.mu.Unlock()

	if notify {
		evt.Reason = ReasonUser
		evt.Status = StatusDisconnected
		m.dispatch(owner, evt)
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.EndTimeout)
	defer cancel()
	if _, err := m.recorder.Stop(recCtx); err != nil {
		m.logger.Warn("failed to stop recorder", slog.String("error", err.Error()))
	}
	m.masks.Clear()

	m.mu.Lock()
	if req == m.requestID {
		m.status = StatusDisconnected
		m.mode = ModeNone
		m.personaID = ""
		m.ownerKey = ""
		m.conversationID = ""
	}
	m.mu.Unlock()

	m.routePlayback()
	m.scheduleReapply(req)
	m.count(m.stops, "ok")
	m.logger.Info("conversation stopped", slog.Uint64("request_id", req))
	return nil
}

// HandleAppState re-applies playback routing when the host returns to the
// foreground with no session active or starting.
func (m *Machine) HandleAppState(ctx context.Context, state AppState) {
	if state != AppStateActive {
		return
	}
	m.mu.Lock()
	idle := !m.startInFlight && m.status != StatusConnected
	m.mu.Unlock()
	if !idle {
		return
	}
	if err := m.router.ConfigurePlayback(ctx); err != nil {
		m.logger.Warn("failed to restore playback routing", slog.String("error", err.Error()))
	}
}

func (m *Machine) current(req uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return req == m.requestID
}

// revert returns to disconnected if req is still the latest request.
func (m *Machine) revert(req uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req != m.requestID {
		return
	}
	m.status = StatusDisconnected
	m.mode = ModeNone
	m.personaID = ""
	m.ownerKey = ""
	m.conversationID = ""
	if cause != nil {
		m.lastError = cause.Error()
	}
}

// releaseReplaced closes out the session a start took over from. It
// reports false when there was none or it was already released.
func (m *Machine) releaseReplaced(reason string) bool {
	m.mu.Lock()
	prev := m.replaced
	m.replaced = nil
	m.mu.Unlock()
	if prev == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.EndTimeout)
	defer cancel()
	if _, err := m.recorder.Stop(ctx); err != nil {
		m.logger.Warn("failed to stop recorder", slog.String("error", err.Error()))
	}
	m.masks.Clear()

	prev.evt.Reason = reason
	m.logger.Info("replaced conversation disconnected",
		slog.String("session_id", prev.evt.SessionID),
		slog.String("reason", reason),
	)
	m.dispatch(prev.owner, prev.evt)
	return true
}

func (m *Machine) forceEnd(reason string) {
	_, outcome, err := withTimeout(context.Background(), m.opts.EndTimeout, endSession(m.service, reason))
	if outcome != outcomeOK {
		m.logger.Warn("forced session end failed", slog.String("outcome", outcome.String()), slog.String("error", err.Error()))
	}
}

func (m *Machine) waitDisconnected(ctx context.Context, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.service.Status() == StatusDisconnected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return m.service.Status() == StatusDisconnected
		case <-ticker.C:
		}
	}
}

func (m *Machine) routePlayback() {
	if err := m.router.ConfigurePlayback(context.Background()); err != nil {
		m.logger.Warn("failed to route audio for playback", slog.String("error", err.Error()))
	}
}

// scheduleReapply routes playback a second time after a delay, for hosts
// that reset the audio session shortly after a voice call ends.
func (m *Machine) scheduleReapply(req uint64) {
	if !m.opts.ReapplyPlayback {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelReapplyLocked()
	m.reapplyTimer = time.AfterFunc(m.opts.ReapplyPlaybackDelay, func() {
		m.mu.Lock()
		ok := req == m.requestID && m.status == StatusDisconnected
		m.reapplyTimer = nil
		m.mu.Unlock()
		if ok {
			m.routePlayback()
		}
	})
}

func (m *Machine) cancelReapplyLocked() {
	if m.reapplyTimer != nil {
		m.reapplyTimer.Stop()
		m.reapplyTimer = nil
	}
}

func (m *Machine) eventLocked(t EventType) Event {
	return Event{
		Type:      t,
		SessionID: m.sessionID,
		PersonaID: m.personaID,
		OwnerKey:  m.ownerKey,
		Time:      m.now().UTC(),
	}
}

func (m *Machine) dispatch(owner string, evt Event) {
	if m.events != nil {
		m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(evt.Type))))
	}
	m.registry.Dispatch(owner, evt)
}

// Close cancels pending timers.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelReapplyLocked()
}

// active reports whether a persona is set and returns the event skeleton
// and owner to dispatch with.
func (m *Machine) activeEvent(t EventType) (Event, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.personaID == "" {
		return Event{}, "", false
	}
	return m.eventLocked(t), m.ownerKey, true
}

func (m *Machine) OnConnect(conversationID string) {
	m.mu.Lock()
	if m.personaID == "" {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnected
	m.mode = ModeNone
	if conversationID != "" {
		m.conversationID = conversationID
	}
	sessionID := m.sessionID
	evt := m.eventLocked(EventConnected)
	evt.Status = StatusConnected
	owner := m.ownerKey
	m.mu.Unlock()

	if err := m.recorder.Start(sessionID); err != nil {
		m.logger.Warn("failed to start recorder", slog.String("error", err.Error()))
	}
	m.masks.Clear()
	m.logger.Info("conversation connected", slog.String("session_id", sessionID), slog.String("conversation_id", conversationID))
	m.dispatch(owner, evt)
}

func (m *Machine) OnDisconnect(reason string) {
	m.mu.Lock()
	if m.personaID == "" {
		m.mu.Unlock()
		return
	}
	if m.status == StatusConnecting {
		// The new session has not connected yet, so this is the previous
		// one going away. The start path owns the status.
		m.mu.Unlock()
		if !m.releaseReplaced(reason) {
			m.logger.Debug("disconnect ignored while connecting", slog.String("reason", reason))
		}
		return
	}
	req := m.requestID
	m.status = StatusDisconnected
	m.mode = ModeNone
	m.disconnectSeen = true
	evt := m.eventLocked(EventDisconnected)
	evt.Reason = reason
	evt.Status = StatusDisconnected
	owner := m.ownerKey
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.EndTimeout)
	defer cancel()
	if _, err := m.recorder.Stop(ctx); err != nil {
		m.logger.Warn("failed to stop recorder", slog.String("error", err.Error()))
	}
	m.masks.Clear()
	if reason != ReasonUser {
		m.routePlayback()
	}
	m.logger.Info("conversation disconnected", slog.String("reason", reason))
	m.dispatch(owner, evt)

	m.mu.Lock()
	if req == m.requestID && m.status == StatusDisconnected {
		m.personaID = ""
		m.ownerKey = ""
		m.conversationID = ""
	}
	m.mu.Unlock()
}

func (m *Machine) OnMessage(msg Message) {
	evt, owner, ok := m.activeEvent(EventMessage)
	if !ok {
		return
	}
	evt.Message = &msg
	m.dispatch(owner, evt)
}

func (m *Machine) OnError(err error) {
	m.mu.Lock()
	if m.personaID == "" {
		m.mu.Unlock()
		return
	}
	m.mode = ModeNone
	if err != nil {
		m.lastError = err.Error()
	}
	evt := m.eventLocked(EventError)
	owner := m.ownerKey
	m.mu.Unlock()
	if err != nil {
		evt.Error = err.Error()
	}

	m.masks.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.EndTimeout)
	defer cancel()
	if _, stopErr := m.recorder.Stop(ctx); stopErr != nil {
		m.logger.Warn("failed to stop recorder", slog.String("error", stopErr.Error()))
	}
	m.routePlayback()
	m.logger.Warn("conversation error", slog.String("error", evt.Error))
	m.dispatch(owner, evt)
}

func (m *Machine) OnModeChange(mode Mode) {
	m.mu.Lock()
	if m.personaID == "" {
		m.mu.Unlock()
		return
	}
	if m.status == StatusConnected {
		m.mode = mode
	}
	evt := m.eventLocked(EventModeChange)
	evt.Mode = mode
	owner := m.ownerKey
	m.mu.Unlock()
	m.dispatch(owner, evt)
}

func (m *Machine) OnStatusChange(status Status) {
	evt, owner, ok := m.activeEvent(EventStatusChange)
	if !ok {
		return
	}
	evt.Status = status
	m.dispatch(owner, evt)
}

func (m *Machine) OnMetadata(md Metadata) {
	evt, owner, ok := m.activeEvent(EventMetadata)
	if !ok {
		return
	}
	if md.SampleRate > 0 {
		m.recorder.SetSampleRate(md.SampleRate)
	}
	m.mu.Lock()
	if md.ConversationID != "" && m.conversationID == "" {
		m.conversationID = md.ConversationID
	}
	m.mu.Unlock()
	evt.Metadata = &md
	m.dispatch(owner, evt)
}

func (m *Machine) OnAudio(frame string) {
	m.mu.Lock()
	active := m.personaID != ""
	m.mu.Unlock()
	if !active {
		return
	}
	if err := m.recorder.Append(frame); err != nil {
		m.logger.Debug("dropped audio frame", slog.String("error", err.Error()))
	}
}
