package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Broker queue names the deployment runs. QueueLocalLLM feeds the fallback's
// local model and drives routing; the rest are worker queues sampled for
// backpressure visibility only.
const (
	QueueLocalLLM      = "local_llm"
	QueueAgentPriority = "agent_priority"
	QueueAgentDefault  = "agent_default"
	QueueToolsIO       = "tools_io"
)

const (
	brokerCacheSize  = 32
	brokerCacheTTL   = 5 * time.Second
	brokerHTTPLimit  = 1 << 20 // response body cap
	brokerHTTPWindow = 10 * time.Second
)

// QueueStats is one row of the broker's management API.
type QueueStats struct {
	Name                   string `json:"name"`
	MessagesReady          int    `json:"messages_ready"`
	MessagesUnacknowledged int    `json:"messages_unacknowledged"`
}

// Depth is the backlog the router compares against thresholds.
func (q QueueStats) Depth() int { return q.MessagesReady + q.MessagesUnacknowledged }

type depthEntry struct {
	depth     int
	fetchedAt time.Time
}

// Broker reads queue depths from the broker's management API. Depths are
// cached briefly so a burst of low-priority steps costs one round trip.
type Broker struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache[string, depthEntry]
	ttl     time.Duration
	now     func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerHTTPClient overrides the HTTP client, for tests.
func WithBrokerHTTPClient(client *http.Client) BrokerOption {
	return func(b *Broker) {
		if client != nil {
			b.client = client
		}
	}
}

// WithBrokerTTL overrides the cache window.
func WithBrokerTTL(ttl time.Duration) BrokerOption {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithBrokerNow overrides the clock, for tests.
func WithBrokerNow(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker builds a management API client. baseURL may be empty, in which
// case every depth query reports zero; the router then never sheds work.
func NewBroker(baseURL string, opts ...BrokerOption) *Broker {
	cache, _ := lru.New[string, depthEntry](brokerCacheSize)
	b := &Broker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: brokerHTTPWindow},
		cache:   cache,
		ttl:     brokerCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// QueueDepth returns ready+unacknowledged for one queue. Unknown queues have
// depth zero. A fetch refreshes every queue the broker reports, so sibling
// lookups inside the TTL stay off the wire.
func (b *Broker) QueueDepth(ctx context.Context, name string) (int, error) {
	if b.baseURL == "" {
		return 0, nil
	}
	if entry, ok := b.cache.Get(name); ok {
		if b.now().Sub(entry.fetchedAt) < b.ttl {
			return entry.depth, nil
		}
		b.cache.Remove(name)
	}

	queues, err := b.fetchQueues(ctx)
	if err != nil {
		return 0, err
	}

	fetchedAt := b.now()
	depth := 0
	found := false
	for _, q := range queues {
		b.cache.Add(q.Name, depthEntry{depth: q.Depth(), fetchedAt: fetchedAt})
		if q.Name == name {
			depth = q.Depth()
			found = true
		}
	}
	if !found {
		b.cache.Add(name, depthEntry{depth: 0, fetchedAt: fetchedAt})
	}
	return depth, nil
}

func (b *Broker) fetchQueues(ctx context.Context) ([]QueueStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/queues", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, brokerHTTPLimit))
		return nil, fmt.Errorf("broker: unexpected status %d", resp.StatusCode)
	}

	var queues []QueueStats
	if err := json.NewDecoder(io.LimitReader(resp.Body, brokerHTTPLimit)).Decode(&queues); err != nil {
		return nil, fmt.Errorf("broker: decode queues: %w", err)
	}
	return queues, nil
}
