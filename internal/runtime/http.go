package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/bridge"
	"github.com/loqalabs/loqa-narrator/internal/conversation"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/mask"
)

const maxRequestBody = 64 << 10

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}

	mux.HandleFunc("GET /v1/conversation", r.handleSnapshot)
	mux.HandleFunc("POST /v1/conversation/start", r.handleStart)
	mux.HandleFunc("POST /v1/conversation/stop", r.handleStop)
	mux.HandleFunc("GET /v1/conversation/events", r.handleEvents)
	mux.HandleFunc("POST /v1/app-state", r.handleAppState)

	mux.HandleFunc("POST /v1/narration/play", r.handleNarrationPlay)
	mux.HandleFunc("POST /v1/narration/stop", r.handleNarrationStop)
	mux.HandleFunc("POST /v1/ambience", r.handleAmbience)
	mux.HandleFunc("POST /v1/playback/pause", r.handlePause)
	mux.HandleFunc("POST /v1/playback/resume", r.handleResume)
	mux.HandleFunc("GET /v1/playback", r.handlePlayback)

	mux.HandleFunc("GET /v1/masks", r.handleMaskState)
	mux.HandleFunc("POST /v1/masks/play", r.handleMaskPlay)
	mux.HandleFunc("POST /v1/masks/stop", r.handleMaskStop)

	mux.HandleFunc("GET /v1/recordings", r.handleRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}/file", r.handleRecordingFile)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if ready && r.store != nil && r.store.Ensure() != nil {
		ready = false
	}
	if ready && r.bridge != nil && !r.bridge.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type startRequest struct {
	PersonaID string `json:"persona_id"`
	OwnerKey  string `json:"owner_key"`
}

type stopRequest struct {
	OwnerKey string `json:"owner_key"`
	Force    bool   `json:"force"`
}

func (r *Runtime) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.machine.Snapshot())
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if !decodeBody(w, req, &body) {
		return
	}
	persona, ok := r.persona(body.PersonaID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", bridge.ErrUnknownPersona, body.PersonaID))
		return
	}
	err := r.machine.StartConversation(req.Context(), persona, conversation.StartOptions{OwnerKey: body.OwnerKey})
	if err != nil {
		writeError(w, startStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.machine.Snapshot())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrMissingAgent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, conversation.ErrMissingEndpoint):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	var body stopRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.machine.StopConversation(req.Context(), conversation.StopOptions{OwnerKey: body.OwnerKey, Force: body.Force}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, r.machine.Snapshot())
}

type timelineEntry struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.machine.Snapshot().SessionID
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), sessionID, queryInt(req, "limit", 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]timelineEntry, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEntry{
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleAppState(w http.ResponseWriter, req *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	state := conversation.AppState(body.State)
	switch state {
	case conversation.AppStateActive, conversation.AppStateBackground, conversation.AppStateInactive:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown app state %q", body.State))
		return
	}
	r.machine.HandleAppState(req.Context(), state)
	w.WriteHeader(http.StatusNoContent)
}

type sourceRequest struct {
	Source string `json:"source"`
}

func (r *Runtime) handleNarrationPlay(w http.ResponseWriter, req *http.Request) {
	var body sourceRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.mixer.PlayStory(req.Context(), body.Source); err != nil {
		writeError(w, audioStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.playbackState())
}

func (r *Runtime) handleNarrationStop(w http.ResponseWriter, _ *http.Request) {
	r.mixer.StopStory()
	writeJSON(w, http.StatusOK, r.playbackState())
}

func (r *Runtime) handleAmbience(w http.ResponseWriter, req *http.Request) {
	var body sourceRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.mixer.SetAmbientSound(body.Source); err != nil {
		writeError(w, audioStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.playbackState())
}

func (r *Runtime) handlePause(w http.ResponseWriter, _ *http.Request) {
	r.mixer.Pause()
	writeJSON(w, http.StatusOK, r.playbackState())
}

func (r *Runtime) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := r.mixer.Resume(); err != nil {
		writeError(w, audioStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, r.playbackState())
}

func (r *Runtime) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.playbackState())
}

type channelState struct {
	Source  string  `json:"source,omitempty"`
	Volume  float64 `json:"volume"`
	Playing bool    `json:"playing"`
	Status  string  `json:"status"`
}

type playbackState struct {
	Narration channelState `json:"narration"`
	Ambience  channelState `json:"ambience"`
}

func (r *Runtime) playbackState() playbackState {
	return playbackState{
		Narration: stateOf(r.mixer.Narration()),
		Ambience:  stateOf(r.mixer.Ambience()),
	}
}

func stateOf(c *audio.Channel) channelState {
	return channelState{
		Source:  c.Source(),
		Volume:  c.Volume(),
		Playing: c.Playing(),
		Status:  c.Status().String(),
	}
}

func audioStatus(err error) int {
	if errors.Is(err, audio.ErrSourceNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type maskState struct {
	State     mask.State      `json:"state"`
	Selection *mask.Selection `json:"selection,omitempty"`
}

func (r *Runtime) handleMaskState(w http.ResponseWriter, _ *http.Request) {
	state, sel := r.masks.State()
	writeJSON(w, http.StatusOK, maskState{State: state, Selection: sel})
}

func (r *Runtime) handleMaskPlay(w http.ResponseWriter, req *http.Request) {
	var body struct {
		PersonaID string `json:"persona_id"`
		Type      string `json:"type"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.masks.Play(req.Context(), body.PersonaID, body.Type); err != nil {
		status := audioStatus(err)
		if errors.Is(err, mask.ErrUnknownMask) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	r.handleMaskState(w, req)
}

func (r *Runtime) handleMaskStop(w http.ResponseWriter, req *http.Request) {
	r.masks.Stop()
	r.handleMaskState(w, req)
}

func (r *Runtime) handleRecordings(w http.ResponseWriter, req *http.Request) {
	recs, err := r.store.ListRecordings(req.Context(), queryInt(req, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []eventstore.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (r *Runtime) handleRecordingFile(w http.ResponseWriter, req *http.Request) {
	rec, err := r.store.GetRecording(req.Context(), req.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.ID+".wav"))
	http.ServeFile(w, req, rec.Path)
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	if req.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func queryInt(req *http.Request, key string, def int) int {
	v := req.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
