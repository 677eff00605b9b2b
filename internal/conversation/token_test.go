package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newTestTokenClient(t *testing.T, url string, identity IdentityProvider) *TokenClient {
	t.Helper()
	c, err := NewTokenClient(config.ConversationConfig{
		TokenEndpoint:     url,
		Source:            "narrator",
		Version:           "1.2.3",
		TokenTimeoutMS:    500,
		IdentityTimeoutMS: 500,
	}, identity, newLogger())
	if err != nil {
		t.Fatalf("new token client: %v", err)
	}
	return c
}

func TestFetchTokenSendsIdentityAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer id-123" {
			t.Errorf("authorization=%q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request id header")
		}
		q := r.URL.Query()
		if q.Get("agent_id") != "agent-1" || q.Get("source") != "narrator" || q.Get("version") != "1.2.3" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"conv-token"}`))
	}))
	defer srv.Close()

	tok, err := newTestTokenClient(t, srv.URL+"/v1/token", StaticIdentity("id-123")).FetchToken(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tok != "conv-token" {
		t.Fatalf("unexpected token %q", tok)
	}
}

func TestParseTokenBodies(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
		want        string
		wantErr     error
	}{
		{name: "json object", contentType: "application/json", body: `{"token":"abc"}`, want: "abc"},
		{name: "json string", contentType: "application/json", body: `"abc"`, want: "abc"},
		{name: "bare string", contentType: "text/plain", body: "abc.def\n", want: "abc.def"},
		{name: "html content type", contentType: "text/html", body: "<p>hi</p>", wantErr: ErrHTMLResponse},
		{name: "html sniffed", contentType: "", body: "<!DOCTYPE html><html></html>", wantErr: ErrHTMLResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseToken(tc.contentType, []byte(tc.body))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %q, %v", got, err)
			}
		})
	}
	if _, err := parseToken("application/json", []byte(`{"other":1}`)); err == nil {
		t.Fatalf("expected error for missing token")
	}
	if _, err := parseToken("text/plain", []byte("  ")); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestErrorBodies(t *testing.T) {
	cases := map[string]string{
		`{"detail":{"message":"agent not found"}}`: "agent not found",
		`{"error":"quota exceeded"}`:               "quota exceeded",
		`service unavailable`:                      "service unavailable",
	}
	for body, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(body))
		}))
		_, err := newTestTokenClient(t, srv.URL, nil).FetchToken(context.Background(), "a")
		srv.Close()
		if err == nil || !strings.Contains(err.Error(), want) || !strings.Contains(err.Error(), "400") {
			t.Fatalf("body %s: expected error containing %q, got %v", body, want, err)
		}
	}
}

func TestErrorBodyHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html><body>Not Found</body></html>"))
	}))
	defer srv.Close()
	_, err := newTestTokenClient(t, srv.URL, nil).FetchToken(context.Background(), "a")
	if !errors.Is(err, ErrHTMLResponse) {
		t.Fatalf("expected ErrHTMLResponse, got %v", err)
	}
}

func TestFetchTokenTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestTokenClient(t, srv.URL, nil)
	c.timeout = 30 * time.Millisecond
	_, err := c.FetchToken(context.Background(), "a")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNewTokenClientRequiresEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "ftp://host/x"} {
		_, err := NewTokenClient(config.ConversationConfig{TokenEndpoint: endpoint}, nil, newLogger())
		if !errors.Is(err, ErrMissingEndpoint) {
			t.Fatalf("endpoint %q: expected ErrMissingEndpoint, got %v", endpoint, err)
		}
	}
}

func TestCommandIdentity(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	id, err := NewCommandIdentity(`echo "  signed-token  "`)
	if err != nil {
		t.Fatalf("new command identity: %v", err)
	}
	tok, err := id.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "signed-token" {
		t.Fatalf("unexpected token %q", tok)
	}
	if _, err := NewCommandIdentity("   "); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestWithTimeoutOutcomes(t *testing.T) {
	_, out, err := withTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if out != outcomeTimeout || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %s %v", out, err)
	}
	boom := errors.New("boom")
	_, out, err = withTimeout(context.Background(), time.Second, func(context.Context) (int, error) { return 0, boom })
	if out != outcomeRejected || !errors.Is(err, boom) {
		t.Fatalf("expected rejection, got %s %v", out, err)
	}
	v, out, err := withTimeout(context.Background(), time.Second, func(context.Context) (int, error) { return 7, nil })
	if out != outcomeOK || err != nil || v != 7 {
		t.Fatalf("expected ok, got %d %s %v", v, out, err)
	}
}
