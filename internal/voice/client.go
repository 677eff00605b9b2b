// Package voice is the websocket client for the remote conversational
// agent. It implements conversation.Service and reports session events to
// a conversation.EventHandler.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/conversation"
	"github.com/tidwall/gjson"
)

var ErrNotConfigured = errors.New("voice: websocket url not configured")

// Client holds at most one live session.
type Client struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger

	handlerMu sync.RWMutex
	handler   conversation.EventHandler

	mu     sync.Mutex
	sess   *session
	status conversation.Status
	mode   conversation.Mode
}

type session struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	ready     chan string
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	reasonMu  sync.Mutex
	endReason string
}

func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSpace(baseURL),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With(slog.String("component", "voice-client")),
		status: conversation.StatusDisconnected,
	}
}

// SetHandler installs the event receiver. Events arriving before a handler
// is set are dropped.
func (c *Client) SetHandler(h conversation.EventHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *Client) emit(fn func(conversation.EventHandler)) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		fn(h)
	}
}

func (c *Client) Status() conversation.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Mode() conversation.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Client) setStatus(s conversation.Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	if s != conversation.StatusConnected {
		c.mode = conversation.ModeNone
	}
	c.mu.Unlock()
	if changed {
		c.emit(func(h conversation.EventHandler) { h.OnStatusChange(s) })
	}
}

func (c *Client) setMode(m conversation.Mode) {
	c.mu.Lock()
	changed := c.mode != m && c.status == conversation.StatusConnected
	if changed {
		c.mode = m
	}
	c.mu.Unlock()
	if changed {
		c.emit(func(h conversation.EventHandler) { h.OnModeChange(m) })
	}
}

// StartSession dials the agent with the conversation token and waits for
// the initiation metadata. An existing session is closed first.
func (c *Client) StartSession(ctx context.Context, token string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}
	wsURL, err := buildURL(c.baseURL, token)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()
	if prev != nil {
		prev.close("replaced")
		<-prev.done
	}

	c.setStatus(conversation.StatusConnecting)
	ws, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setStatus(conversation.StatusDisconnected)
		return "", fmt.Errorf("dial voice agent: %w", err)
	}
	s := &session{
		ws:    ws,
		ready: make(chan string, 1),
		done:  make(chan struct{}),
	}
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	go c.readLoop(s)

	if err := s.writeJSON(ctx, map[string]any{"type": "conversation_initiation_client_data"}); err != nil {
		s.close(conversation.ReasonError)
		<-s.done
		return "", fmt.Errorf("send initiation: %w", err)
	}

	select {
	case id := <-s.ready:
		return id, nil
	case <-s.done:
		return "", fmt.Errorf("voice agent closed the connection during setup")
	case <-ctx.Done():
		s.close(conversation.ReasonError)
		<-s.done
		return "", ctx.Err()
	}
}

// EndSession closes the live session and waits for the read loop to report
// the disconnect. It is a no-op without a session.
func (c *Client) EndSession(ctx context.Context, reason string) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if reason == "" {
		reason = conversation.ReasonUser
	}
	s.close(reason)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(s *session) {
	reason := conversation.ReasonAgent
	var readErr error
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if r := s.reason(); r != "" {
				reason = r
			} else {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) || (closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway) {
					reason = conversation.ReasonError
					readErr = err
				}
			}
			break
		}
		c.handleMessage(s, data)
	}

	_ = s.ws.Close()
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()

	wasConnected := c.Status() == conversation.StatusConnected
	c.setStatus(conversation.StatusDisconnected)
	if readErr != nil && wasConnected {
		c.emit(func(h conversation.EventHandler) { h.OnError(fmt.Errorf("voice connection lost: %w", readErr)) })
	}
	if wasConnected {
		c.logger.Info("voice session closed", slog.String("reason", reason))
		c.emit(func(h conversation.EventHandler) { h.OnDisconnect(reason) })
	}
	close(s.done)
}

func (c *Client) handleMessage(s *session, data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("ignored non-json voice message")
		return
	}
	msg := gjson.ParseBytes(data)
	switch msg.Get("type").String() {
	case "conversation_initiation_metadata":
		ev := msg.Get("conversation_initiation_metadata_event")
		md := conversation.Metadata{
			ConversationID: ev.Get("conversation_id").String(),
			OutputFormat:   ev.Get("agent_output_audio_format").String(),
		}
		md.SampleRate = sampleRateOf(md.OutputFormat)
		c.setStatus(conversation.StatusConnected)
		c.emit(func(h conversation.EventHandler) { h.OnConnect(md.ConversationID) })
		c.emit(func(h conversation.EventHandler) { h.OnMetadata(md) })
		s.readyOnce.Do(func() { s.ready <- md.ConversationID })
	case "audio":
		frame := msg.Get("audio_event.audio_base_64").String()
		if frame == "" {
			return
		}
		c.setMode(conversation.ModeSpeaking)
		c.emit(func(h conversation.EventHandler) { h.OnAudio(frame) })
	case "agent_response":
		text := msg.Get("agent_response_event.agent_response").String()
		c.emit(func(h conversation.EventHandler) { h.OnMessage(conversation.Message{Source: "ai", Text: text}) })
	case "user_transcript":
		text := msg.Get("user_transcription_event.user_transcript").String()
		c.setMode(conversation.ModeListening)
		c.emit(func(h conversation.EventHandler) { h.OnMessage(conversation.Message{Source: "user", Text: text}) })
	case "interruption":
		c.setMode(conversation.ModeListening)
	case "agent_response_end", "audio_end":
		c.setMode(conversation.ModeListening)
	case "ping":
		id := msg.Get("ping_event.event_id").Int()
		if err := s.writeJSON(context.Background(), map[string]any{"type": "pong", "event_id": id}); err != nil {
			c.logger.Debug("failed to answer ping", slog.String("error", err.Error()))
		}
	case "error":
		text := msg.Get("message").String()
		if text == "" {
			text = msg.Get("error_event.message").String()
		}
		c.emit(func(h conversation.EventHandler) { h.OnError(fmt.Errorf("voice agent error: %s", text)) })
	}
}

func (s *session) writeJSON(ctx context.Context, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.ws.SetWriteDeadline(deadline)
	} else {
		_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return s.ws.WriteJSON(payload)
}

func (s *session) reason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.endReason
}

// close sends a normal closure frame and tears the socket down once.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.endReason = reason
		s.reasonMu.Unlock()

		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	})
}

func buildURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid voice url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid voice url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("conversation_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sampleRateOf parses formats like "pcm_16000".
func sampleRateOf(format string) int {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0
	}
	hz, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return hz
}
