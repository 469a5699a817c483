// Package memory is the hybrid retrieval layer: writes go through a
// governance filter and land as indexed memory.write events; reads fuse
// cosine, BM25 and recency candidate lists with Reciprocal Rank Fusion.
// State items distilled from conversations get the same fusion plus a tier
// prior so fresh working memory wins ties against settled long-term facts.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"maestro/internal/embed"
	"maestro/internal/eventlog"
	"maestro/internal/fault"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// rrfK is the rank-fusion constant: each candidate contributes
// weight/(rrfK + rank). Larger values flatten the head of each list.
const rrfK = 60

// DefaultMergeSimilarity is the cosine threshold above which a new state
// item is treated as a restatement of an existing one.
const DefaultMergeSimilarity = 0.92

// PII redaction modes for memory writes.
const (
	PIIOff  = "off"
	PIIMask = "mask"
	PIIDeny = "deny"
)

// Config tunes the governance filter and merge behavior.
type Config struct {
	SecretScanEnabled bool
	PIIRedactMode     string  // off, mask or deny
	MergeSimilarity   float64 // 0 means DefaultMergeSimilarity
}

// Service owns memory writes, retrieval and the state-item pipeline.
type Service struct {
	store      *store.Store
	events     *eventlog.Log
	embedder   embed.Provider
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEmbedder sets the vector provider used for retrieval and merge.
func WithEmbedder(p embed.Provider) Option {
	return func(s *Service) { s.embedder = p }
}

// WithConfig applies the governance/merge configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithSummarizer sets the LLM summarizer used by periodic compaction; the
// deterministic fallback applies when unset or failing.
func WithSummarizer(fn Summarizer) Option {
	return func(s *Service) { s.summarizer = fn }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "memory")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service on top of the store and event log.
func New(st *store.Store, events *eventlog.Log, opts ...Option) *Service {
	s := &Service{
		store:  st,
		events: events,
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MergeSimilarity <= 0 {
		s.cfg.MergeSimilarity = DefaultMergeSimilarity
	}
	if s.cfg.PIIRedactMode == "" {
		s.cfg.PIIRedactMode = PIIOff
	}
	return s
}

// WriteRequest is one memory write.
type WriteRequest struct {
	ThreadID string
	Text     string
	Metadata map[string]any
	TraceID  string
	ActorID  string
}

// Write filters the text, then stores it as a memory.write event whose
// indexing makes it retrievable. Returns the event id.
func (s *Service) Write(ctx context.Context, req WriteRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", fault.Memory("write: empty text", nil)
	}
	if s.cfg.SecretScanEnabled && ContainsSecret(text) {
		return "", fault.Memory("write rejected: secret-shaped content", nil)
	}
	switch s.cfg.PIIRedactMode {
	case PIIMask:
		text = MaskPII(text)
	case PIIDeny:
		if ContainsPII(text) {
			return "", fault.Memory("write rejected: contains PII", nil)
		}
	}

	payload := map[string]any{"text": text}
	for k, v := range req.Metadata {
		if k == "text" {
			continue
		}
		payload[k] = v
	}

	actor := req.ActorID
	if actor == "" {
		actor = models.MainPrincipal
	}
	id, err := s.events.Emit(ctx, models.EventInput{
		TraceID:   req.TraceID,
		ThreadID:  req.ThreadID,
		EventType: "memory.write",
		Component: "memory",
		ActorType: models.ActorAgent,
		ActorID:   actor,
		Payload:   payload,
	})
	if err != nil {
		return "", fault.Memory("write", err)
	}
	return id, nil
}

// SearchRequest asks for the top memory chunks of a thread.
type SearchRequest struct {
	ThreadID string
	Limit    int
	// Query may be empty, in which case only recency contributes.
	Query         string
	VectorWeight  float64
	BM25Weight    float64
	RecencyWeight float64
}

func (r SearchRequest) withDefaults() SearchRequest {
	if r.Limit <= 0 {
		r.Limit = 8
	}
	if r.VectorWeight == 0 && r.BM25Weight == 0 && r.RecencyWeight == 0 {
		r.VectorWeight, r.BM25Weight, r.RecencyWeight = 1, 1, 1
	}
	return r
}

// Hit is one retrieved memory chunk.
type Hit struct {
	EventID   string
	Text      string
	Score     float64
	CreatedAt time.Time
}

// Search fuses cosine, BM25 and recency candidate lists over the thread's
// indexed events. Ordering is stable: fused score descending, later
// created_at first, event id ascending.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	req = req.withDefaults()
	pool := req.Limit * 4
	if pool < 20 {
		pool = 20
	}

	if strings.TrimSpace(req.Query) == "" {
		rows, err := s.store.ListIndexedEvents(ctx, req.ThreadID, req.Limit)
		if err != nil {
			return nil, fault.Memory("search recency", err)
		}
		hits := make([]Hit, 0, len(rows))
		for i, r := range rows {
			hits = append(hits, Hit{
				EventID:   r.EventID,
				Text:      r.Text,
				Score:     req.RecencyWeight / float64(rrfK+i+1),
				CreatedAt: r.CreatedAt,
			})
		}
		return hits, nil
	}

	agg := map[string]*Hit{}
	contribute := func(rows []store.MemoryRow, weight float64) {
		if weight == 0 {
			return
		}
		for i, r := range rows {
			h, ok := agg[r.EventID]
			if !ok {
				h = &Hit{EventID: r.EventID, Text: r.Text, CreatedAt: r.CreatedAt}
				agg[r.EventID] = h
			}
			h.Score += weight / float64(rrfK+i+1)
		}
	}

	if req.BM25Weight != 0 {
		rows, err := s.store.SearchEventText(ctx, req.ThreadID, req.Query, pool)
		if err != nil {
			return nil, fault.Memory("search fts", err)
		}
		contribute(rows, req.BM25Weight)
	}
	if req.VectorWeight != 0 && s.embedder != nil {
		rows, err := s.vectorCandidates(ctx, req.ThreadID, req.Query, pool)
		if err != nil {
			return nil, err
		}
		contribute(rows, req.VectorWeight)
	}
	if req.RecencyWeight != 0 {
		rows, err := s.store.ListIndexedEvents(ctx, req.ThreadID, pool)
		if err != nil {
			return nil, fault.Memory("search recency", err)
		}
		contribute(rows, req.RecencyWeight)
	}

	hits := make([]Hit, 0, len(agg))
	for _, h := range agg {
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].EventID < hits[j].EventID
	})
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

// vectorCandidates ranks all embedded events of the thread by cosine
// similarity against the query embedding.
func (s *Service) vectorCandidates(ctx context.Context, threadID, query string, pool int) ([]store.MemoryRow, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Memory("embed query", err)
	}
	rows, err := s.store.ListEventVectors(ctx, threadID)
	if err != nil {
		return nil, fault.Memory("load vectors", err)
	}
	scored := rows[:0]
	for _, r := range rows {
		vec := embed.Decode(r.Embedding)
		if len(vec) == 0 {
			continue
		}
		r.Score = float64(embed.Cosine(qvec, vec))
		if r.Score <= 0 {
			continue
		}
		scored = append(scored, r)
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].CreatedAt.Equal(scored[j].CreatedAt) {
			return scored[i].CreatedAt.After(scored[j].CreatedAt)
		}
		return scored[i].EventID < scored[j].EventID
	})
	if len(scored) > pool {
		scored = scored[:pool]
	}
	return scored, nil
}

// StateQuery asks for the top state items of a thread.
type StateQuery struct {
	ThreadID string
	Query    string
	K        int
	MinScore float64
	ActorID  string
}

// StateHit is one retrieved state item with its fused score.
type StateHit struct {
	Item  models.StateItem
	Score float64
}

// tierRank orders the tier prior: at equal fused score a more volatile tier
// wins.
func tierRank(t models.Tier) int {
	switch t {
	case models.TierWorking:
		return 0
	case models.TierEpisodic:
		return 1
	case models.TierSemanticLongterm:
		return 2
	case models.TierProcedural:
		return 3
	default:
		return 4
	}
}

// SearchState fuses the same three candidate lists over the thread's active
// state items, then applies the tier prior. Deterministic across repeat
// calls with the same inputs.
func (s *Service) SearchState(ctx context.Context, q StateQuery) ([]StateHit, error) {
	if q.K <= 0 {
		q.K = 8
	}
	pool := q.K * 4
	if pool < 20 {
		pool = 20
	}

	active, err := s.store.ListActiveStateItems(ctx, q.ThreadID)
	if err != nil {
		return nil, fault.Memory("list state items", err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	agg := map[string]*StateHit{}
	byUID := make(map[string]store.StateRow, len(active))
	for _, row := range active {
		byUID[row.Item.UID] = row
	}
	contribute := func(uids []string, weight float64) {
		for i, uid := range uids {
			row, ok := byUID[uid]
			if !ok {
				continue
			}
			h, ok := agg[uid]
			if !ok {
				h = &StateHit{Item: row.Item}
				agg[uid] = h
			}
			h.Score += weight / float64(rrfK+i+1)
		}
	}

	query := strings.TrimSpace(q.Query)
	if query != "" {
		ftsRows, err := s.store.SearchStateText(ctx, q.ThreadID, query, pool)
		if err != nil {
			return nil, fault.Memory("search state fts", err)
		}
		uids := make([]string, 0, len(ftsRows))
		for _, r := range ftsRows {
			uids = append(uids, r.Item.UID)
		}
		contribute(uids, 1)

		if s.embedder != nil {
			uids, err := s.stateVectorRanking(ctx, query, active, pool)
			if err != nil {
				return nil, err
			}
			contribute(uids, 1)
		}
	}

	// Recency list: active items already come back last_seen_at DESC, uid ASC.
	recency := make([]string, 0, len(active))
	for i, row := range active {
		if i >= pool {
			break
		}
		recency = append(recency, row.Item.UID)
	}
	contribute(recency, 1)

	hits := make([]StateHit, 0, len(agg))
	for _, h := range agg {
		if h.Score < q.MinScore {
			continue
		}
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ri, rj := tierRank(hits[i].Item.Tier), tierRank(hits[j].Item.Tier)
		if ri != rj {
			return ri < rj
		}
		if !hits[i].Item.LastSeenAt.Equal(hits[j].Item.LastSeenAt) {
			return hits[i].Item.LastSeenAt.After(hits[j].Item.LastSeenAt)
		}
		return hits[i].Item.UID < hits[j].Item.UID
	})
	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	return hits, nil
}

func (s *Service) stateVectorRanking(ctx context.Context, query string, active []store.StateRow, pool int) ([]string, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Memory("embed state query", err)
	}
	type scored struct {
		uid      string
		score    float64
		lastSeen time.Time
	}
	var ranked []scored
	for _, row := range active {
		vec := embed.Decode(row.Embedding)
		if len(vec) == 0 {
			continue
		}
		sim := float64(embed.Cosine(qvec, vec))
		if sim <= 0 {
			continue
		}
		ranked = append(ranked, scored{row.Item.UID, sim, row.Item.LastSeenAt})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].lastSeen.Equal(ranked[j].lastSeen) {
			return ranked[i].lastSeen.After(ranked[j].lastSeen)
		}
		return ranked[i].uid < ranked[j].uid
	})
	if len(ranked) > pool {
		ranked = ranked[:pool]
	}
	uids := make([]string, len(ranked))
	for i, r := range ranked {
		uids[i] = r.uid
	}
	return uids, nil
}

func fmtMessageRef(id string) string { return fmt.Sprintf("msg:%s", id) }

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
