package conversation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxTokenBody = 1 << 20

// IdentityProvider returns the bearer token forwarded to the token endpoint.
type IdentityProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticIdentity always returns the same token.
type StaticIdentity string

func (s StaticIdentity) Token(context.Context) (string, error) {
	return string(s), nil
}

// CommandIdentity runs a command and uses its trimmed stdout as the token.
type CommandIdentity struct {
	args []string
}

func NewCommandIdentity(command string) (*CommandIdentity, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse identity command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("identity command is empty")
	}
	return &CommandIdentity{args: args}, nil
}

func (c *CommandIdentity) Token(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("identity command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// NewIdentityProvider picks the provider configured in cfg. It returns nil
// when no identity is configured.
func NewIdentityProvider(cfg config.ConversationConfig) (IdentityProvider, error) {
	switch {
	case cfg.IdentityCommand != "":
		return NewCommandIdentity(cfg.IdentityCommand)
	case cfg.IdentityToken != "":
		return StaticIdentity(cfg.IdentityToken), nil
	default:
		return nil, nil
	}
}

// TokenClient fetches conversation tokens from the token endpoint.
type TokenClient struct {
	endpoint        *url.URL
	source          string
	version         string
	identity        IdentityProvider
	identityTimeout time.Duration
	timeout         time.Duration
	http            *http.Client
	logger          *slog.Logger
	tracer          trace.Tracer
	latency         metric.Float64Histogram
}

func NewTokenClient(cfg config.ConversationConfig, identity IdentityProvider, logger *slog.Logger) (*TokenClient, error) {
	raw := strings.TrimSpace(cfg.TokenEndpoint)
	if raw == "" {
		return nil, ErrMissingEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrMissingEndpoint, raw)
	}
	latency, _ := otel.Meter("github.com/loqalabs/loqa-narrator/conversation").Float64Histogram(
		"narrator.conversation.token_fetch.duration",
		metric.WithDescription("Token endpoint round trip"),
		metric.WithUnit("s"),
	)
	return &TokenClient{
		latency:         latency,
		endpoint:        u,
		source:          cfg.Source,
		version:         cfg.Version,
		identity:        identity,
		identityTimeout: config.Millis(cfg.IdentityTimeoutMS),
		timeout:         config.Millis(cfg.TokenTimeoutMS),
		http:            &http.Client{},
		logger:          logger.With(slog.String("component", "token-client")),
		tracer:          otel.Tracer("github.com/loqalabs/loqa-narrator/conversation"),
	}, nil
}

// FetchToken requests a conversation token for agentID.
func (c *TokenClient) FetchToken(ctx context.Context, agentID string) (token string, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "conversation.fetch_token", trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if c.latency != nil {
			c.latency.Record(context.Background(), time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("result", result)))
		}
		span.End()
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	bearer, err := c.bearer(ctx)
	if err != nil {
		return "", err
	}

	u := *c.endpoint
	q := u.Query()
	q.Set("agent_id", agentID)
	if c.source != "" {
		q.Set("source", c.source)
	}
	if c.version != "" {
		q.Set("version", c.version)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: token request after %s", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := parseErrorBody(resp.StatusCode, resp.Header.Get("Content-Type"), body)
		c.logger.Warn("token endpoint rejected request",
			slog.String("request_id", requestID),
			slog.Int("status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return parseToken(resp.Header.Get("Content-Type"), body)
}

func (c *TokenClient) bearer(ctx context.Context) (string, error) {
	if c.identity == nil {
		return "", nil
	}
	d := c.identityTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	tok, outcome, err := withTimeout(ctx, d, c.identity.Token)
	if outcome != outcomeOK {
		return "", fmt.Errorf("identity token: %w", err)
	}
	return tok, nil
}

// parseToken accepts {"token": "..."}, a JSON string or a bare text body.
func parseToken(contentType string, body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("token endpoint returned an empty body")
	}
	if looksLikeHTML(contentType, trimmed) {
		return "", fmt.Errorf("%w: check the token endpoint url", ErrHTMLResponse)
	}
	if gjson.ValidBytes(trimmed) {
		res := gjson.ParseBytes(trimmed)
		switch {
		case res.IsObject():
			if tok := strings.TrimSpace(res.Get("token").String()); tok != "" {
				return tok, nil
			}
			return "", fmt.Errorf("token missing from response")
		case res.Type == gjson.String:
			if tok := strings.TrimSpace(res.String()); tok != "" {
				return tok, nil
			}
			return "", fmt.Errorf("token endpoint returned an empty token")
		default:
			return "", fmt.Errorf("unexpected token response %s", truncate(string(trimmed), 120))
		}
	}
	tok := string(trimmed)
	if strings.ContainsAny(tok, " \t\r\n") {
		return "", fmt.Errorf("unexpected token response %s", truncate(tok, 120))
	}
	return tok, nil
}

// parseErrorBody reads {detail:{message}}, {error} or raw text.
func parseErrorBody(status int, contentType string, body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if looksLikeHTML(contentType, trimmed) {
		return fmt.Errorf("%w (status %d): check the token endpoint url", ErrHTMLResponse, status)
	}
	msg := ""
	if gjson.ValidBytes(trimmed) {
		res := gjson.ParseBytes(trimmed)
		for _, path := range []string{"detail.message", "detail", "error.message", "error", "message"} {
			v := res.Get(path)
			if v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				msg = strings.TrimSpace(v.String())
				break
			}
		}
	}
	if msg == "" {
		msg = truncate(string(trimmed), 200)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("token endpoint returned %d: %s", status, msg)
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 64)]))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
