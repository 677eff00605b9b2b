// Package bridge exposes the conversation machine on the bus: session
// events and finished recordings are published, and other feature modules
// may start or stop conversations over request/reply.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/conversation"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/recorder"
	"github.com/nats-io/nats.go"
)

var ErrUnknownPersona = errors.New("unknown persona")

const controlTimeout = 30 * time.Second

// Controller is the part of the conversation machine driven by the bridge.
type Controller interface {
	StartConversation(ctx context.Context, persona conversation.Persona, opts conversation.StartOptions) error
	StopConversation(ctx context.Context, opts conversation.StopOptions) error
	Snapshot() conversation.Snapshot
	Subscribe(ownerKey string, l conversation.Listener) func()
}

// PersonaLookup resolves a persona id from a control request.
type PersonaLookup func(id string) (conversation.Persona, bool)

type Service struct {
	bus      *bus.Client
	ctrl     Controller
	personas PersonaLookup
	logger   *slog.Logger

	subStart    *nats.Subscription
	subStop     *nats.Subscription
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, personas PersonaLookup, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		ctrl:     ctrl,
		personas: personas,
		logger:   logger.With(slog.String("component", "bridge")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectConversationStart, s.handleStart)
	if err != nil {
		return err
	}
	s.subStart = sub

	subStop, err := s.bus.Conn().Subscribe(protocol.SubjectConversationStop, s.handleStop)
	if err != nil {
		_ = s.subStart.Drain()
		return err
	}
	s.subStop = subStop

	if err := s.bus.Conn().Flush(); err != nil {
		s.logger.Warn("bridge flush failed", slog.String("error", err.Error()))
	}
	s.unsubscribe = s.ctrl.Subscribe("", s.publishEvent)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.subStart != nil {
		_ = s.subStart.Drain()
	}
	if s.subStop != nil {
		_ = s.subStop.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subStart != nil && s.subStop != nil && s.bus.Healthy()
}

// PublishRecording announces a finalized recording.
func (s *Service) PublishRecording(res recorder.Result) {
	msg := protocol.RecordingReady{
		ID:         res.ID,
		SessionID:  res.SessionID,
		URI:        res.URI,
		SampleRate: res.SampleRate,
		Bytes:      res.Bytes,
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
	}
	if err := s.bus.PublishJSON(protocol.SubjectRecordingReady, msg); err != nil {
		s.logger.Warn("failed to publish recording", slog.String("error", err.Error()))
	}
}

func (s *Service) publishEvent(evt conversation.Event) {
	msg := toProtocol(evt)
	if err := s.bus.PublishJSON(protocol.ConversationEventSubject(msg.Type), msg); err != nil {
		s.logger.Warn("failed to publish conversation event",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode start request", slog.String("error", err.Error()))
		s.reply(msg, fmt.Errorf("decode start request: %w", err))
		return
	}
	persona, ok := s.personas(req.PersonaID)
	if !ok {
		s.reply(msg, fmt.Errorf("%w: %s", ErrUnknownPersona, req.PersonaID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
		defer cancel()
		err := s.ctrl.StartConversation(ctx, persona, conversation.StartOptions{OwnerKey: req.OwnerKey})
		s.reply(msg, err)
	}()
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode stop request", slog.String("error", err.Error()))
			s.reply(msg, fmt.Errorf("decode stop request: %w", err))
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
		defer cancel()
		err := s.ctrl.StopConversation(ctx, conversation.StopOptions{OwnerKey: req.OwnerKey, Force: req.Force})
		s.reply(msg, err)
	}()
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	snap := s.ctrl.Snapshot()
	out := protocol.ControlReply{
		OK:        err == nil,
		Status:    string(snap.Status),
		SessionID: snap.SessionID,
		PersonaID: snap.PersonaID,
	}
	if err != nil {
		out.Error = err.Error()
	}
	data, mErr := json.Marshal(out)
	if mErr != nil {
		s.logger.Warn("failed to encode control reply", slog.String("error", mErr.Error()))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.logger.Warn("failed to send control reply", slog.String("error", rErr.Error()))
	}
}

func toProtocol(evt conversation.Event) protocol.ConversationEvent {
	out := protocol.ConversationEvent{
		Type:      string(evt.Type),
		SessionID: evt.SessionID,
		PersonaID: evt.PersonaID,
		OwnerKey:  evt.OwnerKey,
		Reason:    evt.Reason,
		Mode:      string(evt.Mode),
		Status:    string(evt.Status),
		Error:     evt.Error,
		Timestamp: evt.Time,
	}
	if evt.Message != nil {
		out.Source = evt.Message.Source
		out.Text = evt.Message.Text
	}
	if evt.Metadata != nil {
		out.ConversationID = evt.Metadata.ConversationID
		out.SampleRate = evt.Metadata.SampleRate
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out
}
