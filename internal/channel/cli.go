package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"maestro/internal/fault"
	"maestro/pkg/models"
)

// CLI prints assistant replies to a terminal writer. Interactive commands
// print replies themselves, so this adapter is registered only when a
// detached process should still surface cli-bound traffic; an unregistered
// cli send is skipped silently.
type CLI struct {
	mu  sync.Mutex
	out io.Writer
}

// NewCLI creates a terminal adapter writing to out; nil means stdout.
func NewCLI(out io.Writer) *CLI {
	if out == nil {
		out = os.Stdout
	}
	return &CLI{out: out}
}

// Type implements Adapter.
func (c *CLI) Type() models.ChannelType { return models.ChannelCLI }

// SendText writes one reply line to the terminal.
func (c *CLI) SendText(ctx context.Context, recipient, text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.out, text); err != nil {
		return 0, fault.Channel("write reply to terminal", err)
	}
	return http.StatusOK, nil
}

// ParseInbound accepts either the shared envelope shape or a raw text line
// typed at the terminal.
func (c *CLI) ParseInbound(payload []byte) ([]InboundMessage, error) {
	if msgs, ok := parseEnvelope(payload); ok {
		return msgs, nil
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, nil
	}
	return []InboundMessage{{SenderID: "local", Text: text}}, nil
}
