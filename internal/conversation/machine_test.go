package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/recorder"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type fakeService struct {
	mu          sync.Mutex
	handler     EventHandler
	status      Status
	starts      int
	ends        []string
	block       bool
	autoConnect bool
	err         error
}

func (s *fakeService) StartSession(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	block, err := s.block, s.err
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if block {
		<-ctx.Done()
		s.mu.Lock()
		s.status = StatusConnecting
		s.mu.Unlock()
		return "", ctx.Err()
	}
	s.mu.Lock()
	s.starts++
	s.status = StatusConnected
	h, auto := s.handler, s.autoConnect
	s.mu.Unlock()
	if auto && h != nil {
		h.OnConnect("conv-" + token)
	}
	return "conv-" + token, nil
}

func (s *fakeService) EndSession(_ context.Context, reason string) error {
	s.mu.Lock()
	s.ends = append(s.ends, reason)
	wasUp := s.status != StatusDisconnected && s.status != ""
	s.status = StatusDisconnected
	h := s.handler
	s.mu.Unlock()
	if wasUp && h != nil {
		h.OnDisconnect(reason)
	}
	return nil
}

func (s *fakeService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == "" {
		return StatusDisconnected
	}
	return s.status
}

func (s *fakeService) Mode() Mode { return ModeNone }

// remoteDisconnect simulates the service ending the call.
func (s *fakeService) remoteDisconnect(reason string) {
	s.mu.Lock()
	s.status = StatusDisconnected
	h := s.handler
	s.mu.Unlock()
	h.OnDisconnect(reason)
}

func (s *fakeService) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, append([]string(nil), s.ends...)
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
}

func (f *fakeTokens) FetchToken(ctx context.Context, agentID string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "tok-" + agentID, nil
}

type fakeRouter struct {
	mu    sync.Mutex
	modes []string
}

func (r *fakeRouter) ConfigureVoice(context.Context) error    { r.add("voice"); return nil }
func (r *fakeRouter) ConfigurePlayback(context.Context) error { r.add("playback"); return nil }

func (r *fakeRouter) add(m string) {
	r.mu.Lock()
	r.modes = append(r.modes, m)
	r.mu.Unlock()
}

func (r *fakeRouter) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.modes) == 0 {
		return ""
	}
	return r.modes[len(r.modes)-1]
}

func (r *fakeRouter) count(m string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.modes {
		if v == m {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu      sync.Mutex
	starts  []string
	stops   int
	frames  int
	rate    int
	running bool
}

func (r *fakeRecorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, sessionID)
	r.running = true
	return nil
}

func (r *fakeRecorder) Append(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
	return nil
}

func (r *fakeRecorder) SetSampleRate(hz int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = hz
}

func (r *fakeRecorder) Stop(context.Context) (*recorder.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if !r.running {
		return nil, nil
	}
	r.running = false
	return &recorder.Result{}, nil
}

func (r *fakeRecorder) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

type fakeMasks struct {
	mu     sync.Mutex
	stops  int
	clears int
}

func (f *fakeMasks) Stop()  { f.mu.Lock(); f.stops++; f.mu.Unlock() }
func (f *fakeMasks) Clear() { f.mu.Lock(); f.clears++; f.mu.Unlock() }

type harness struct {
	m        *Machine
	svc      *fakeService
	tokens   *fakeTokens
	router   *fakeRouter
	recorder *fakeRecorder
	masks    *fakeMasks
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	h := harness{
		svc:      &fakeService{autoConnect: true},
		tokens:   &fakeTokens{},
		router:   &fakeRouter{},
		recorder: &fakeRecorder{},
		masks:    &fakeMasks{},
	}
	if opts.SettleTimeout == 0 {
		opts.SettleTimeout = 100 * time.Millisecond
	}
	h.m = NewMachine(opts, h.svc, h.tokens, h.router, h.recorder, h.masks, NewRegistry(newLogger()), newLogger())
	h.svc.handler = h.m
	t.Cleanup(h.m.Close)
	return h
}

var sage = Persona{ID: "sage", AgentID: "agent-1"}

func collect(m *Machine, ownerKey string) (func() []Event, func()) {
	var mu sync.Mutex
	var got []Event
	unsub := m.Subscribe(ownerKey, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}, unsub
}

func TestStartConnectsAndStartsRecorder(t *testing.T) {
	h := newHarness(t, Options{})
	events, _ := collect(h.m, "")

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := h.m.Snapshot()
	if snap.Status != StatusConnected || snap.PersonaID != "sage" || snap.OwnerKey != "stories" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.ConversationID != "conv-tok-agent-1" {
		t.Fatalf("unexpected conversation id %q", snap.ConversationID)
	}
	if !h.recorder.isRunning() || h.recorder.starts[0] != snap.SessionID {
		t.Fatalf("recorder not started for session")
	}
	if h.masks.stops != 1 || h.masks.clears != 1 {
		t.Fatalf("expected mask stop on start and clear on connect, got %d/%d", h.masks.stops, h.masks.clears)
	}
	if h.router.last() != "voice" {
		t.Fatalf("expected voice routing, got %q", h.router.last())
	}
	got := events()
	if len(got) != 1 || got[0].Type != EventConnected {
		t.Fatalf("expected one connected event, got %+v", got)
	}
}

func TestDoubleStartYieldsOneSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.tokens.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.m.StartConversation(context.Background(), sage, StartOptions{}) }()
	waitFor(t, time.Second, func() bool { return h.m.Snapshot().StartInFlight })

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	close(h.tokens.gate)
	if err := <-done; err != nil {
		t.Fatalf("first start: %v", err)
	}

	starts, _ := h.svc.snapshot()
	if starts != 1 {
		t.Fatalf("expected exactly one session, got %d", starts)
	}
	if h.tokens.calls != 1 {
		t.Fatalf("expected one token fetch, got %d", h.tokens.calls)
	}
	if snap := h.m.Snapshot(); snap.Status != StatusConnected || snap.StartInFlight {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStaleTokenFetchIsDiscarded(t *testing.T) {
	h := newHarness(t, Options{})
	h.tokens.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.m.StartConversation(context.Background(), sage, StartOptions{}) }()
	waitFor(t, time.Second, func() bool { return h.m.Snapshot().StartInFlight })

	if err := h.m.StopConversation(context.Background(), StopOptions{}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(h.tokens.gate)
	if err := <-done; err != nil {
		t.Fatalf("stale start must return nil, got %v", err)
	}
	if starts, _ := h.svc.snapshot(); starts != 0 {
		t.Fatalf("stale start must not open a session")
	}
	if snap := h.m.Snapshot(); snap.Status != StatusDisconnected || snap.PersonaID != "" {
		t.Fatalf("stale start regressed state: %+v", snap)
	}

	h.tokens.mu.Lock()
	h.tokens.gate = nil
	h.tokens.mu.Unlock()
	if err := h.m.StartConversation(context.Background(), sage, StartOptions{}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if starts, _ := h.svc.snapshot(); starts != 1 {
		t.Fatalf("expected one session after restart, got %d", starts)
	}
}

func TestStopHonoursOwnership(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = h.m.StopConversation(context.Background(), StopOptions{OwnerKey: "settings"})
	if h.m.Snapshot().Status != StatusConnected {
		t.Fatalf("foreign owner must not stop the session")
	}
	if _, ends := h.svc.snapshot(); len(ends) != 0 {
		t.Fatalf("session ended by foreign owner: %v", ends)
	}

	_ = h.m.StopConversation(context.Background(), StopOptions{OwnerKey: "stories"})
	snap := h.m.Snapshot()
	if snap.Status != StatusDisconnected || snap.OwnerKey != "" || snap.PersonaID != "" {
		t.Fatalf("owner stop did not disconnect: %+v", snap)
	}
	if h.recorder.isRunning() {
		t.Fatalf("recorder still running after stop")
	}
	if h.router.last() != "playback" {
		t.Fatalf("expected playback routing after stop")
	}
}

func TestForcedStopOverridesOwner(t *testing.T) {
	h := newHarness(t, Options{})
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"})
	_ = h.m.StopConversation(context.Background(), StopOptions{OwnerKey: "settings", Force: true})
	if h.m.Snapshot().Status != StatusDisconnected {
		t.Fatalf("forced stop must disconnect")
	}
}

func TestStopFansOutDisconnectOnce(t *testing.T) {
	h := newHarness(t, Options{})
	events, _ := collect(h.m, "stories")
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"})
	_ = h.m.StopConversation(context.Background(), StopOptions{OwnerKey: "stories"})

	var disconnects int
	for _, e := range events() {
		if e.Type == EventDisconnected {
			disconnects++
			if e.Reason != ReasonUser {
				t.Fatalf("expected user reason, got %q", e.Reason)
			}
		}
	}
	if disconnects != 1 {
		t.Fatalf("expected one disconnect event, got %d", disconnects)
	}
}

func TestAgentDisconnectRestoresPlayback(t *testing.T) {
	h := newHarness(t, Options{})
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{})
	if h.router.last() != "voice" {
		t.Fatalf("expected voice routing on connect")
	}

	h.svc.remoteDisconnect(ReasonAgent)
	if h.router.last() != "playback" {
		t.Fatalf("expected playback routing after agent disconnect")
	}
	snap := h.m.Snapshot()
	if snap.Status != StatusDisconnected || snap.PersonaID != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.recorder.isRunning() {
		t.Fatalf("recorder still running after disconnect")
	}
}

func TestUserDisconnectLeavesRoutingToCaller(t *testing.T) {
	h := newHarness(t, Options{})
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{})
	playbacks := h.router.count("playback")

	h.svc.remoteDisconnect(ReasonUser)
	if h.router.count("playback") != playbacks {
		t.Fatalf("user disconnect must not switch routing")
	}
	if h.router.last() != "voice" {
		t.Fatalf("expected routing to stay on voice")
	}
}

func TestMissingAgentReverts(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.m.StartConversation(context.Background(), Persona{ID: "mute"}, StartOptions{OwnerKey: "x"})
	if !errors.Is(err, ErrMissingAgent) {
		t.Fatalf("expected ErrMissingAgent, got %v", err)
	}
	snap := h.m.Snapshot()
	if snap.Status != StatusDisconnected || snap.OwnerKey != "" || snap.LastError == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.tokens.calls != 0 {
		t.Fatalf("token must not be fetched without an agent")
	}
}

func TestTokenFailureReverts(t *testing.T) {
	h := newHarness(t, Options{})
	h.tokens.err = ErrHTMLResponse
	err := h.m.StartConversation(context.Background(), sage, StartOptions{})
	if !errors.Is(err, ErrHTMLResponse) {
		t.Fatalf("expected ErrHTMLResponse, got %v", err)
	}
	if snap := h.m.Snapshot(); snap.Status != StatusDisconnected || snap.StartInFlight {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.router.count("voice") != 0 {
		t.Fatalf("routing must not switch when the token fetch fails")
	}
}

func TestStartTimeoutForceEnds(t *testing.T) {
	h := newHarness(t, Options{StartTimeout: 30 * time.Millisecond})
	h.svc.block = true

	err := h.m.StartConversation(context.Background(), sage, StartOptions{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, ends := h.svc.snapshot(); len(ends) == 0 {
		t.Fatalf("expected the half-started session to be ended")
	}
	if h.router.last() != "playback" {
		t.Fatalf("expected playback routing after timeout")
	}
	if snap := h.m.Snapshot(); snap.Status != StatusDisconnected {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestPreemptsConnectedService(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.status = StatusConnected

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ends := h.svc.snapshot(); len(ends) != 1 {
		t.Fatalf("expected previous session ended once, got %v", ends)
	}
	if h.m.Snapshot().Status != StatusConnected {
		t.Fatalf("new session must connect")
	}
}

var echo = Persona{ID: "echo", AgentID: "agent-2"}

func (r *fakeRecorder) counts() (starts []string, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...), r.stops
}

func disconnectsFor(events []Event, sessionID string) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == EventDisconnected && e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func TestPreemptClosesPreviousSession(t *testing.T) {
	h := newHarness(t, Options{})
	stories, _ := collect(h.m, "stories")
	settings, _ := collect(h.m, "settings")

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	prev := h.m.Snapshot().SessionID

	if err := h.m.StartConversation(context.Background(), echo, StartOptions{OwnerKey: "settings"}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	snap := h.m.Snapshot()
	if snap.Status != StatusConnected || snap.OwnerKey != "settings" || snap.PersonaID != "echo" || snap.SessionID == prev {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, ends := h.svc.snapshot(); len(ends) != 1 || ends[0] != ReasonUser {
		t.Fatalf("expected previous session ended once by user, got %v", ends)
	}

	starts, stops := h.recorder.counts()
	if len(starts) != 2 || starts[1] != snap.SessionID || stops != 1 || !h.recorder.isRunning() {
		t.Fatalf("expected the first recording closed and a second open, got starts=%v stops=%d", starts, stops)
	}

	gone := disconnectsFor(stories(), prev)
	if len(gone) != 1 || gone[0].Reason != ReasonUser || gone[0].OwnerKey != "stories" || gone[0].PersonaID != "sage" {
		t.Fatalf("previous owner must see one disconnect, got %+v", gone)
	}
	got := settings()
	if len(got) != 1 || got[0].Type != EventConnected || got[0].SessionID != snap.SessionID {
		t.Fatalf("new owner must only see its own connect, got %+v", got)
	}
}

func TestRejectedPreemptingStartLeavesNothingOpen(t *testing.T) {
	h := newHarness(t, Options{})
	stories, _ := collect(h.m, "stories")

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	prev := h.m.Snapshot().SessionID

	h.svc.mu.Lock()
	h.svc.err = errors.New("agent refused")
	h.svc.mu.Unlock()
	if err := h.m.StartConversation(context.Background(), echo, StartOptions{OwnerKey: "settings"}); err == nil {
		t.Fatalf("expected the second start to fail")
	}

	if snap := h.m.Snapshot(); snap.Status != StatusDisconnected || snap.PersonaID != "" || snap.OwnerKey != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.recorder.isRunning() {
		t.Fatalf("recorder still running after a failed pre-empting start")
	}
	if gone := disconnectsFor(stories(), prev); len(gone) != 1 {
		t.Fatalf("previous owner must see one disconnect, got %+v", gone)
	}
	if h.router.last() != "playback" {
		t.Fatalf("expected playback routing after rejection")
	}
}

func TestAgentDropDuringStartClosesPreviousSession(t *testing.T) {
	h := newHarness(t, Options{})
	stories, _ := collect(h.m, "stories")

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	prev := h.m.Snapshot().SessionID

	h.tokens.mu.Lock()
	h.tokens.gate = make(chan struct{})
	h.tokens.err = errors.New("gateway down")
	h.tokens.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.m.StartConversation(context.Background(), echo, StartOptions{OwnerKey: "settings"}) }()
	waitFor(t, time.Second, func() bool { return h.m.Snapshot().StartInFlight })

	h.svc.remoteDisconnect(ReasonAgent)
	if h.recorder.isRunning() {
		t.Fatalf("recorder must close when the previous session drops")
	}
	if snap := h.m.Snapshot(); snap.Status != StatusConnecting {
		t.Fatalf("pending start must keep connecting, got %+v", snap)
	}

	close(h.tokens.gate)
	if err := <-done; err == nil {
		t.Fatalf("expected the token failure to surface")
	}
	if snap := h.m.Snapshot(); snap.Status != StatusDisconnected || snap.PersonaID != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	gone := disconnectsFor(stories(), prev)
	if len(gone) != 1 || gone[0].Reason != ReasonAgent {
		t.Fatalf("previous owner must see one agent disconnect, got %+v", gone)
	}
	if _, ends := h.svc.snapshot(); len(ends) != 0 {
		t.Fatalf("nothing left to end, got %v", ends)
	}
}

func TestFailedTokenFetchEndsPreviousSession(t *testing.T) {
	h := newHarness(t, Options{})
	stories, _ := collect(h.m, "stories")

	if err := h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	prev := h.m.Snapshot().SessionID

	h.tokens.mu.Lock()
	h.tokens.err = ErrHTMLResponse
	h.tokens.mu.Unlock()
	if err := h.m.StartConversation(context.Background(), echo, StartOptions{OwnerKey: "settings"}); !errors.Is(err, ErrHTMLResponse) {
		t.Fatalf("expected ErrHTMLResponse, got %v", err)
	}

	if _, ends := h.svc.snapshot(); len(ends) != 1 {
		t.Fatalf("expected the previous call ended, got %v", ends)
	}
	if h.svc.Status() != StatusDisconnected || h.recorder.isRunning() {
		t.Fatalf("previous session left open")
	}
	if gone := disconnectsFor(stories(), prev); len(gone) != 1 || gone[0].Reason != ReasonUser {
		t.Fatalf("previous owner must see one disconnect, got %+v", gone)
	}
	if snap := h.m.Snapshot(); snap.Status != StatusDisconnected || snap.StartInFlight {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCallbacksIgnoredWithoutPersona(t *testing.T) {
	h := newHarness(t, Options{})
	events, _ := collect(h.m, "")

	h.m.OnConnect("late")
	h.m.OnMessage(Message{Source: "ai", Text: "hi"})
	h.m.OnAudio("AAAA")
	h.m.OnError(errors.New("late"))
	h.m.OnDisconnect(ReasonAgent)

	if len(events()) != 0 {
		t.Fatalf("late callbacks must not fan out")
	}
	if len(h.recorder.starts) != 0 || h.recorder.frames != 0 {
		t.Fatalf("late callbacks must not touch the recorder")
	}
	if h.m.Snapshot().Status != StatusDisconnected {
		t.Fatalf("late connect must not change status")
	}
}

func TestScopedListenersFollowActiveOwner(t *testing.T) {
	h := newHarness(t, Options{})
	mine, _ := collect(h.m, "stories")
	theirs, _ := collect(h.m, "settings")
	global, _ := collect(h.m, "")

	_ = h.m.StartConversation(context.Background(), sage, StartOptions{OwnerKey: "stories"})
	h.m.OnMessage(Message{Source: "ai", Text: "once upon a time"})
	h.m.OnModeChange(ModeSpeaking)

	if len(mine()) != 3 || len(global()) != 3 {
		t.Fatalf("expected 3 events for owner and global, got %d/%d", len(mine()), len(global()))
	}
	if len(theirs()) != 0 {
		t.Fatalf("foreign scoped listener received %d events", len(theirs()))
	}
	if h.m.Snapshot().Mode != ModeSpeaking {
		t.Fatalf("expected speaking mode")
	}
}

func TestMetadataAndAudioFeedRecorder(t *testing.T) {
	h := newHarness(t, Options{})
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{})
	h.m.OnMetadata(Metadata{ConversationID: "c1", SampleRate: 22050})
	h.m.OnAudio("AAAA")
	h.m.OnAudio("AAAA")
	if h.recorder.rate != 22050 || h.recorder.frames != 2 {
		t.Fatalf("unexpected recorder state rate=%d frames=%d", h.recorder.rate, h.recorder.frames)
	}
}

func TestErrorCallbackCleansUp(t *testing.T) {
	h := newHarness(t, Options{})
	events, _ := collect(h.m, "")
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{})
	h.m.OnError(errors.New("socket reset"))

	if h.recorder.isRunning() {
		t.Fatalf("recorder must stop on error")
	}
	if h.router.last() != "playback" {
		t.Fatalf("expected playback routing after error")
	}
	got := events()
	if got[len(got)-1].Type != EventError || got[len(got)-1].Error != "socket reset" {
		t.Fatalf("expected error event, got %+v", got[len(got)-1])
	}
	if h.m.Snapshot().LastError != "socket reset" {
		t.Fatalf("expected last error recorded")
	}
}

func TestHandleAppStateRestoresPlaybackWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.m.HandleAppState(context.Background(), AppStateActive)
	if h.router.count("playback") != 1 {
		t.Fatalf("expected playback routing on foreground")
	}
	h.m.HandleAppState(context.Background(), AppStateBackground)
	if h.router.count("playback") != 1 {
		t.Fatalf("background must not route")
	}

	_ = h.m.StartConversation(context.Background(), sage, StartOptions{})
	h.m.HandleAppState(context.Background(), AppStateActive)
	if h.router.last() != "voice" {
		t.Fatalf("foreground during a call must keep voice routing")
	}
}

func TestReapplyPlaybackAfterStop(t *testing.T) {
	h := newHarness(t, Options{ReapplyPlayback: true, ReapplyPlaybackDelay: 60 * time.Millisecond})
	_ = h.m.StartConversation(context.Background(), sage, StartOptions{})
	_ = h.m.StopConversation(context.Background(), StopOptions{})
	before := h.router.count("playback")
	waitFor(t, time.Second, func() bool { return h.router.count("playback") == before+1 })
}
