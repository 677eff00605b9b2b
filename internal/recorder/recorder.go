// Package recorder persists the remote narrator's streamed audio frames to
// a 16-bit PCM WAV file.
package recorder

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	headerSize    = 44
	bitsPerSample = 16
)

var (
	ErrInvalidBase64 = errors.New("recorder: invalid base64 frame")
	// ErrClosed is returned for a frame that arrives after its recording
	// was finalised.
	ErrClosed = errors.New("recorder: recording closed")
)

// Result describes a finished recording.
type Result struct {
	ID         string    `json:"id"`
	URI        string    `json:"uri"`
	Path       string    `json:"path"`
	SampleRate int       `json:"sample_rate"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	SessionID  string    `json:"session_id"`
}

type Options struct {
	Enabled           bool
	Dir               string
	BatchFrames       int
	DefaultSampleRate int
	Channels          int
	// OnResult receives every finished recording.
	OnResult func(Result)
}

// Recorder owns at most one open recording at a time. Flush and Stop are
// each single-flight: a caller arriving while one is running shares its
// outcome.
type Recorder struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	frames metric.Int64Counter
	bytes  metric.Int64Counter

	mu     sync.Mutex
	active *recording
}

type recording struct {
	id        string
	path      string
	sessionID string
	startedAt time.Time

	mu         sync.Mutex
	pending    [][]byte
	sampleRate int
	sealed     bool

	// writeMu serialises file access so chunks land in arrival order.
	writeMu sync.Mutex
	file    *os.File
	written int64
	closed  bool
}

func New(opts Options, logger *slog.Logger) *Recorder {
	if opts.BatchFrames <= 0 {
		opts.BatchFrames = 24
	}
	if opts.DefaultSampleRate <= 0 {
		opts.DefaultSampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	r := &Recorder{
		opts:   opts,
		logger: logger.With(slog.String("component", "recorder")),
		now:    time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/recorder")
	if c, err := meter.Int64Counter("narrator.recorder.frames", metric.WithDescription("Audio frames appended to recordings")); err == nil {
		r.frames = c
	}
	if c, err := meter.Int64Counter("narrator.recorder.bytes", metric.WithDescription("PCM bytes written to recordings"), metric.WithUnit("By")); err == nil {
		r.bytes = c
	}
	return r
}

// Active reports whether a recording is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start opens a new recording for sessionID. An open recording is stopped
// first. Start is a no-op when recording is disabled.
func (r *Recorder) Start(sessionID string) error {
	if !r.opts.Enabled {
		return nil
	}
	if r.Active() {
		if _, err := r.Stop(context.Background()); err != nil {
			r.logger.Warn("failed to stop previous recording", slog.String("error", err.Error()))
		}
	}

	startedAt := r.now().UTC()
	id := fileStem(sessionID, startedAt)
	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(r.opts.Dir, id+".wav")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	if _, err := f.Write(wavHeader(0, r.opts.DefaultSampleRate, r.opts.Channels)); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write placeholder header: %w", err)
	}

	r.mu.Lock()
	r.active = &recording{
		id:        id,
		path:      path,
		sessionID: sessionID,
		startedAt: startedAt,
		file:      f,
	}
	r.mu.Unlock()

	r.logger.Info("recording started", slog.String("session_id", sessionID), slog.String("path", path))
	return nil
}

// SetSampleRate records the sample rate announced by session metadata.
func (r *Recorder) SetSampleRate(hz int) {
	if hz <= 0 {
		return
	}
	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()
	if rec == nil {
		return
	}
	rec.mu.Lock()
	rec.sampleRate = hz
	rec.mu.Unlock()
}

// Append decodes one base64 frame into the pending buffer. Reaching the
// batch threshold starts an asynchronous flush. Frames arriving with no
// open recording are dropped.
func (r *Recorder) Append(frame string) error {
	data, err := decodeFrame(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()
	if rec == nil || len(data) == 0 {
		return nil
	}
	return r.appendTo(rec, data)
}

func (r *Recorder) appendTo(rec *recording, data []byte) error {
	rec.mu.Lock()
	if rec.sealed {
		rec.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, rec.id)
	}
	rec.pending = append(rec.pending, data)
	full := len(rec.pending) >= r.opts.BatchFrames
	rec.mu.Unlock()

	if r.frames != nil {
		r.frames.Add(context.Background(), 1)
	}
	if full {
		go func() {
			if err := r.Flush(context.Background()); err != nil {
				r.logger.Warn("recording flush failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// Flush writes pending frames to the open file.
func (r *Recorder) Flush(ctx context.Context) error {
	ch := r.group.DoChan("flush", func() (any, error) {
		r.mu.Lock()
		rec := r.active
		r.mu.Unlock()
		if rec == nil {
			return nil, nil
		}
		return nil, r.flush(rec)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (r *Recorder) flush(rec *recording) error {
	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()
	if rec.closed {
		return nil
	}
	return r.writePending(rec, false)
}

// writePending drains pending frames to the file. seal stops further
// appends in the same critical section that takes the last frames.
// Callers hold writeMu.
func (r *Recorder) writePending(rec *recording, seal bool) error {
	rec.mu.Lock()
	chunks := rec.pending
	rec.pending = nil
	if seal {
		rec.sealed = true
	}
	rec.mu.Unlock()

	var n int64
	for _, chunk := range chunks {
		w, err := rec.file.Write(chunk)
		n += int64(w)
		rec.written += int64(w)
		if err != nil {
			return fmt.Errorf("write recording: %w", err)
		}
	}
	if n > 0 && r.bytes != nil {
		r.bytes.Add(context.Background(), n)
	}
	return nil
}

// Stop finalises the open recording: the remaining frames are written, the
// header is rewritten with the real data size and sample rate, and the
// file is closed. It returns nil when no recording was open.
func (r *Recorder) Stop(ctx context.Context) (*Result, error) {
	ch := r.group.DoChan("stop", func() (any, error) {
		r.mu.Lock()
		rec := r.active
		r.active = nil
		r.mu.Unlock()
		if rec == nil {
			return (*Result)(nil), nil
		}
		return r.finalize(rec)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(*Result)
		return result, res.Err
	}
}

func (r *Recorder) finalize(rec *recording) (*Result, error) {
	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()
	flushErr := r.writePending(rec, true)

	rec.mu.Lock()
	rate := rec.sampleRate
	rec.mu.Unlock()
	if rate <= 0 {
		rate = r.opts.DefaultSampleRate
	}

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	if _, err := rec.file.WriteAt(wavHeader(rec.written, rate, r.opts.Channels), 0); err != nil {
		errs = append(errs, fmt.Errorf("rewrite header: %w", err))
	}
	if err := rec.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close recording: %w", err))
	}
	rec.closed = true
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	result := &Result{
		ID:         rec.id,
		URI:        fileURI(rec.path),
		Path:       rec.path,
		SampleRate: rate,
		Bytes:      rec.written,
		StartedAt:  rec.startedAt,
		EndedAt:    r.now().UTC(),
		SessionID:  rec.sessionID,
	}
	r.logger.Info("recording finished",
		slog.String("session_id", rec.sessionID),
		slog.String("path", rec.path),
		slog.Int64("bytes", rec.written),
		slog.Int("sample_rate", rate),
	)
	if r.opts.OnResult != nil {
		r.opts.OnResult(*result)
	}
	return result, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// fileStem builds a filesystem-safe name from the session id and start time.
func fileStem(sessionID string, startedAt time.Time) string {
	safe := strings.Trim(unsafeChars.ReplaceAllString(sessionID, "_"), "_")
	if safe == "" {
		safe = uuid.NewString()
	}
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return fmt.Sprintf("%s-%s", safe, startedAt.Format("20060102T150405.000Z"))
}

func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}

// wavHeader returns the canonical 44-byte PCM header.
func wavHeader(dataLen int64, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, headerSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))
	return header
}

// decodeFrame decodes a standard, padded base64 frame. Inputs whose length
// is not a multiple of 4 or that contain characters outside the alphabet
// are rejected.
func decodeFrame(frame string) ([]byte, error) {
	frame = strings.TrimSpace(frame)
	if len(frame)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalidBase64, len(frame))
	}
	data, err := base64.StdEncoding.Strict().DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBase64, err)
	}
	return data, nil
}
