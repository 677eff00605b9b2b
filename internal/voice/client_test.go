package voice

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/conversation"
)

type recordingHandler struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	messages    []conversation.Message
	modes       []conversation.Mode
	statuses    []conversation.Status
	metadata    []conversation.Metadata
	audio       []string
	errors      []error
	disconnectC chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{disconnectC: make(chan string, 4)}
}

func (h *recordingHandler) OnConnect(id string) {
	h.mu.Lock()
	h.connects = append(h.connects, id)
	h.mu.Unlock()
}

func (h *recordingHandler) OnDisconnect(reason string) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, reason)
	h.mu.Unlock()
	h.disconnectC <- reason
}

func (h *recordingHandler) OnMessage(m conversation.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, m)
	h.mu.Unlock()
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errors = append(h.errors, err)
	h.mu.Unlock()
}

func (h *recordingHandler) OnModeChange(m conversation.Mode) {
	h.mu.Lock()
	h.modes = append(h.modes, m)
	h.mu.Unlock()
}

func (h *recordingHandler) OnStatusChange(s conversation.Status) {
	h.mu.Lock()
	h.statuses = append(h.statuses, s)
	h.mu.Unlock()
}

func (h *recordingHandler) OnMetadata(md conversation.Metadata) {
	h.mu.Lock()
	h.metadata = append(h.metadata, md)
	h.mu.Unlock()
}

func (h *recordingHandler) OnAudio(frame string) {
	h.mu.Lock()
	h.audio = append(h.audio, frame)
	h.mu.Unlock()
}

// agentServer runs script against each accepted connection after the
// initiation handshake.
func agentServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("conversation_token") != "tok" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var init map[string]any
		if err := conn.ReadJSON(&init); err != nil {
			return
		}
		if init["type"] != "conversation_initiation_client_data" {
			t.Errorf("unexpected initiation %v", init)
		}
		script(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(url string, h conversation.EventHandler) *Client {
	c := New(url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetHandler(h)
	return c
}

func sendMetadata(conn *websocket.Conn) {
	_ = conn.WriteJSON(map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id":           "conv-42",
			"agent_output_audio_format": "pcm_24000",
		},
	})
}

func waitDisconnect(t *testing.T, h *recordingHandler) string {
	t.Helper()
	select {
	case r := <-h.disconnectC:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnect")
		return ""
	}
}

func TestSessionLifecycleFromAgent(t *testing.T) {
	pong := make(chan int64, 1)
	srv := agentServer(t, func(conn *websocket.Conn) {
		sendMetadata(conn)
		_ = conn.WriteJSON(map[string]any{"type": "audio", "audio_event": map[string]any{"audio_base_64": "AAAA", "event_id": 1}})
		_ = conn.WriteJSON(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "Once upon a time"}})
		_ = conn.WriteJSON(map[string]any{"type": "user_transcript", "user_transcription_event": map[string]any{"user_transcript": "and then?"}})
		_ = conn.WriteJSON(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 9}})
		var reply struct {
			Type    string `json:"type"`
			EventID int64  `json:"event_id"`
		}
		if err := conn.ReadJSON(&reply); err == nil && reply.Type == "pong" {
			pong <- reply.EventID
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	h := newRecordingHandler()
	c := newTestClient(wsURL(srv), h)
	id, err := c.StartSession(context.Background(), "tok")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if id != "conv-42" {
		t.Fatalf("unexpected conversation id %q", id)
	}

	select {
	case got := <-pong:
		if got != 9 {
			t.Fatalf("pong event id %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no pong")
	}

	if reason := waitDisconnect(t, h); reason != conversation.ReasonAgent {
		t.Fatalf("expected agent disconnect, got %q", reason)
	}
	if c.Status() != conversation.StatusDisconnected || c.Mode() != conversation.ModeNone {
		t.Fatalf("unexpected final state %s/%q", c.Status(), c.Mode())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.connects) != 1 || h.connects[0] != "conv-42" {
		t.Fatalf("connects %v", h.connects)
	}
	if len(h.metadata) != 1 || h.metadata[0].SampleRate != 24000 {
		t.Fatalf("metadata %+v", h.metadata)
	}
	if len(h.audio) != 1 || h.audio[0] != "AAAA" {
		t.Fatalf("audio %v", h.audio)
	}
	if len(h.messages) != 2 || h.messages[0].Source != "ai" || h.messages[1].Text != "and then?" {
		t.Fatalf("messages %+v", h.messages)
	}
	if len(h.modes) != 2 || h.modes[0] != conversation.ModeSpeaking || h.modes[1] != conversation.ModeListening {
		t.Fatalf("modes %v", h.modes)
	}
	want := []conversation.Status{conversation.StatusConnecting, conversation.StatusConnected, conversation.StatusDisconnected}
	if len(h.statuses) != len(want) {
		t.Fatalf("statuses %v", h.statuses)
	}
	for i := range want {
		if h.statuses[i] != want[i] {
			t.Fatalf("statuses %v", h.statuses)
		}
	}
	if len(h.errors) != 0 {
		t.Fatalf("unexpected errors %v", h.errors)
	}
}

func TestEndSessionReportsUserReason(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn) {
		sendMetadata(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	h := newRecordingHandler()
	c := newTestClient(wsURL(srv), h)
	if _, err := c.StartSession(context.Background(), "tok"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := c.EndSession(context.Background(), conversation.ReasonUser); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if reason := waitDisconnect(t, h); reason != conversation.ReasonUser {
		t.Fatalf("expected user disconnect, got %q", reason)
	}
	if c.Status() != conversation.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
	if err := c.EndSession(context.Background(), conversation.ReasonUser); err != nil {
		t.Fatalf("second end session: %v", err)
	}
}

func TestStartSessionHonoursContext(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	h := newRecordingHandler()
	c := newTestClient(wsURL(srv), h)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.StartSession(ctx, "tok"); err == nil {
		t.Fatalf("expected error when metadata never arrives")
	}
	if c.Status() != conversation.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Status())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.disconnects) != 0 || len(h.connects) != 0 {
		t.Fatalf("no session callbacks expected, got connects=%v disconnects=%v", h.connects, h.disconnects)
	}
}

func TestAbnormalCloseReportsError(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn) {
		sendMetadata(conn)
		time.Sleep(20 * time.Millisecond)
		conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	h := newRecordingHandler()
	c := newTestClient(wsURL(srv), h)
	if _, err := c.StartSession(context.Background(), "tok"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if reason := waitDisconnect(t, h); reason != conversation.ReasonError {
		t.Fatalf("expected error disconnect, got %q", reason)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errors) != 1 {
		t.Fatalf("expected one error, got %v", h.errors)
	}
}

func TestStartSessionWithoutURL(t *testing.T) {
	c := newTestClient("", newRecordingHandler())
	if _, err := c.StartSession(context.Background(), "tok"); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestBuildURLAndSampleRate(t *testing.T) {
	u, err := buildURL("https://agent.example/v1/convai?agent=a", "t k")
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if !strings.HasPrefix(u, "wss://agent.example/v1/convai?") || !strings.Contains(u, "conversation_token=t+k") || !strings.Contains(u, "agent=a") {
		t.Fatalf("unexpected url %s", u)
	}
	if _, err := buildURL("ftp://x", "t"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if sampleRateOf("pcm_16000") != 16000 || sampleRateOf("ulaw_8000") != 0 || sampleRateOf("pcm_x") != 0 {
		t.Fatalf("unexpected sample rate parsing")
	}
}
