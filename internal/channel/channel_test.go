package channel

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"maestro/pkg/models"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if _, ok := reg.Get(models.ChannelCLI); ok {
		t.Fatalf("Get() on empty registry = ok, want miss")
	}

	cli := NewCLI(&bytes.Buffer{})
	reg.Register(cli)
	reg.Register(&fakeAdapter{typ: models.ChannelWebhook})

	got, ok := reg.Get(models.ChannelCLI)
	if !ok || got != cli {
		t.Fatalf("Get(cli) = %v, %v; want registered adapter", got, ok)
	}
	if len(reg.Types()) != 2 {
		t.Fatalf("Types() = %d entries, want 2", len(reg.Types()))
	}
}

func TestCLISendTextWritesLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cli := NewCLI(&buf)

	status, err := cli.SendText(context.Background(), "local", "here is your summary")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if got := buf.String(); got != "here is your summary\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestCLIParseInboundRawText(t *testing.T) {
	t.Parallel()
	cli := NewCLI(&bytes.Buffer{})

	msgs, err := cli.ParseInbound([]byte("  what is on my calendar?\n"))
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].SenderID != "local" || msgs[0].Text != "what is on my calendar?" {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestCLIParseInboundEnvelope(t *testing.T) {
	t.Parallel()
	cli := NewCLI(&bytes.Buffer{})

	payload := []byte(`{"data":{"type":"message","messages":[{"id":"ext-1","sender":"u-1","text":"hi"}]}}`)
	msgs, err := cli.ParseInbound(payload)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ExternalID != "ext-1" {
		t.Fatalf("messages = %+v, want the enveloped message", msgs)
	}
}

func TestCLIParseInboundDiscardsHistorySync(t *testing.T) {
	t.Parallel()
	cli := NewCLI(&bytes.Buffer{})

	payload := []byte(`{"data":{"type":"Append","messages":[{"id":"old","sender":"u-1","text":"stale"}]}}`)
	msgs, err := cli.ParseInbound(payload)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
}

func TestCLIParseInboundEmpty(t *testing.T) {
	t.Parallel()
	cli := NewCLI(&bytes.Buffer{})

	msgs, err := cli.ParseInbound([]byte("   \n"))
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
}
