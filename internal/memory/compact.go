package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maestro/internal/fault"
	"maestro/pkg/models"
)

// compactionWindow bounds how much history one compaction pass reads.
const compactionWindow = 200

// longSummaryTail is how many trailing messages the heuristic long summary
// keeps verbatim.
const longSummaryTail = 12

// Summary is a thread's rolling history in two grains.
type Summary struct {
	Short string
	Long  string
}

// Summarizer produces a Summary from a chronological transcript. Used when
// an LLM is available; failures fall back to the deterministic summary.
type Summarizer func(ctx context.Context, transcript string) (Summary, error)

// CompactThread rewrites the thread's rolling summaries from its recent
// messages and records the compaction as an indexed event.
func (s *Service) CompactThread(ctx context.Context, threadID, traceID string) (Summary, error) {
	msgs, err := s.store.ListRecentMessages(ctx, threadID, compactionWindow)
	if err != nil {
		return Summary{}, fault.Memory("compact: load messages", err)
	}
	if len(msgs) == 0 {
		return Summary{}, fault.Memory("compact: empty thread", nil)
	}

	sum := s.summarize(ctx, msgs)
	if err := s.store.SetThreadSummaries(ctx, threadID, sum.Short, sum.Long, s.now().UTC()); err != nil {
		return Summary{}, fault.Memory("compact: store summaries", err)
	}

	_, err = s.events.Emit(ctx, models.EventInput{
		TraceID:   traceID,
		ThreadID:  threadID,
		EventType: "thread.compacted",
		Component: "memory",
		Payload: map[string]any{
			"text":          sum.Short,
			"message_count": len(msgs),
		},
	})
	if err != nil {
		s.logger.Warn("compaction event dropped", "thread_id", threadID, "error", err)
	}
	return sum, nil
}

func (s *Service) summarize(ctx context.Context, msgs []models.Message) Summary {
	if s.summarizer != nil {
		sum, err := s.summarizer(ctx, transcript(msgs))
		if err == nil && sum.Short != "" {
			return sum
		}
		if err != nil {
			s.logger.Warn("summarizer failed, using heuristic", "error", err)
		}
	}
	return heuristicSummary(msgs)
}

// transcript renders messages as "role: content" lines, oldest first.
func transcript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// heuristicSummary is the no-LLM fallback: a one-line digest plus the tail
// of the conversation with each message clipped.
func heuristicSummary(msgs []models.Message) Summary {
	last := msgs[len(msgs)-1]
	short := fmt.Sprintf("%d messages; latest: %s", len(msgs), truncate(last.Content, 120))

	tail := msgs
	if len(tail) > longSummaryTail {
		tail = tail[len(tail)-longSummaryTail:]
	}
	lines := make([]string, 0, len(tail))
	for _, m := range tail {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, truncate(m.Content, 200)))
	}
	return Summary{Short: short, Long: strings.Join(lines, "\n")}
}

func truncate(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

// PeriodicCompaction compacts every open thread whose last compaction is
// older than olderThan and that has accumulated at least minMessages since.
// One failing thread does not stop the sweep.
func (s *Service) PeriodicCompaction(ctx context.Context, olderThan time.Duration, minMessages int) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	threads, err := s.store.ListCompactionCandidates(ctx, cutoff, minMessages)
	if err != nil {
		return 0, fault.Memory("compact: list candidates", err)
	}
	done := 0
	for _, t := range threads {
		if _, err := s.CompactThread(ctx, t.ID, ""); err != nil {
			s.logger.Warn("thread compaction failed", "thread_id", t.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
