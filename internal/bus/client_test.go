package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "", newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishJSONOverEmbeddedServer(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	defer srv.Shutdown()

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}}, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	sub, err := client.Conn().SubscribeSync("narrator.test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON("narrator.test", map[string]int{"n": 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if string(msg.Data) != `{"n":3}` {
		t.Fatalf("unexpected payload %s", msg.Data)
	}

	if err := client.PublishJSON("narrator.test", func() {}); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	c.Close()
	if c.Healthy() {
		t.Fatalf("nil client reported healthy")
	}
}

func TestEmbeddedDisabled(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatalf("expected empty url")
	}
}
