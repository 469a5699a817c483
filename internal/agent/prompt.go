package agent

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"maestro/internal/memory"
	"maestro/internal/provider"
	"maestro/pkg/models"
)

// The encoding is loaded once on first use; loading the BPE ranks is not
// free and some processes never build a prompt.
var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func promptEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// The heuristic keeps packing deterministic offline.
			return
		}
		encoding = enc
	})
	return encoding
}

// countTokens measures text with the cl100k_base encoding, falling back to a
// rune and word heuristic when the encoding is unavailable.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := promptEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens approximates the encoded length: roughly four runes per
// token, never less than the word count, never less than one.
func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if words := len(strings.Fields(text)); words > n {
		n = words
	}
	if n < 1 {
		n = 1
	}
	return n
}

// truncateTokens cuts text to at most maxTokens tokens.
func truncateTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if enc := promptEncoding(); enc != nil {
		toks := enc.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return enc.Decode(toks[:maxTokens])
	}
	if estimateTokens(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	if cut := maxTokens * 4; cut < len(runes) {
		runes = runes[:cut]
	}
	return string(runes)
}

// PromptReport describes how one prompt was packed, for the prompt.build
// event and for tests.
type PromptReport struct {
	Budget      int
	TotalTokens int
	// Sections holds the final token size per section: system,
	// summary_short, summary_long, memory, tail.
	Sections map[string]int
	// Truncated names the sections that lost content, in the order they
	// were cut.
	Truncated []string
}

func (r PromptReport) sectionsPayload() map[string]any {
	out := make(map[string]any, len(r.Sections))
	for k, v := range r.Sections {
		out[k] = v
	}
	return out
}

// buildPrompt packs the system context, thread summaries, retrieved memory
// and the message tail under the token budget. Overflow is reclaimed from
// memory first, then the oldest tail messages, then the long summary. The
// system context, short summary and the newest message always survive, even
// when the budget cannot cover them.
func (o *Orchestrator) buildPrompt(ctx context.Context, thread models.Thread, msgs []models.Message) (string, []provider.Message, PromptReport) {
	budget := o.cfg.TokenBudget
	report := PromptReport{Budget: budget, Sections: make(map[string]int, 5)}

	memLines := o.memoryLines(ctx, thread.ID, msgs)
	long := thread.SummaryLong
	tail := msgs

	sysTokens := countTokens(o.cfg.SystemPrompt)
	shortTokens := countTokens(thread.SummaryShort)
	longTokens := countTokens(long)
	memTokens := joinedTokens(memLines)
	tailTokens := messageTokens(tail)
	total := func() int { return sysTokens + shortTokens + longTokens + memTokens + tailTokens }

	if total() > budget && len(memLines) > 0 {
		// Hits arrive ranked; shed from the low-scoring end.
		for total() > budget && len(memLines) > 0 {
			memLines = memLines[:len(memLines)-1]
			memTokens = joinedTokens(memLines)
		}
		report.Truncated = append(report.Truncated, "memory")
	}
	if total() > budget && len(tail) > 1 {
		for total() > budget && len(tail) > 1 {
			tail = tail[1:]
			tailTokens = messageTokens(tail)
		}
		report.Truncated = append(report.Truncated, "tail")
	}
	if total() > budget && longTokens > 0 {
		room := budget - (total() - longTokens)
		if room < 0 {
			room = 0
		}
		long = truncateTokens(long, room)
		longTokens = countTokens(long)
		report.Truncated = append(report.Truncated, "summary_long")
	}

	report.Sections["system"] = sysTokens
	report.Sections["summary_short"] = shortTokens
	report.Sections["summary_long"] = longTokens
	report.Sections["memory"] = memTokens
	report.Sections["tail"] = tailTokens
	report.TotalTokens = total()

	parts := []string{o.cfg.SystemPrompt}
	if thread.SummaryShort != "" {
		parts = append(parts, "Conversation summary: "+thread.SummaryShort)
	}
	if long != "" {
		parts = append(parts, "Earlier context:\n"+long)
	}
	if len(memLines) > 0 {
		parts = append(parts, "Relevant memory:\n"+strings.Join(memLines, "\n"))
	}

	turns := make([]provider.Message, 0, len(tail))
	for _, m := range tail {
		turns = append(turns, providerMessage(m))
	}
	return strings.Join(parts, "\n\n"), turns, report
}

// memoryLines retrieves the top-k memory hits for the newest user message
// and formats them as prompt bullet lines. Retrieval failures cost the
// section, never the step.
func (o *Orchestrator) memoryLines(ctx context.Context, threadID string, msgs []models.Message) []string {
	query := latestUserText(msgs)
	if query == "" {
		return nil
	}
	hits, err := o.deps.Memory.Search(ctx, memory.SearchRequest{
		ThreadID: threadID,
		Query:    query,
		Limit:    o.cfg.MemoryTopK,
	})
	if err != nil {
		o.logger.Warn("memory retrieval failed",
			"thread_id", threadID, "error", err)
		return nil
	}
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		lines = append(lines, "- "+h.Text)
	}
	return lines
}

// latestUserText returns the content of the newest user message.
func latestUserText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func joinedTokens(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	return countTokens(strings.Join(lines, "\n"))
}

func messageTokens(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		n += countTokens(m.Content)
	}
	return n
}

// providerMessage maps a stored message onto a provider turn. Agent-routed
// messages present as user turns tagged with the sender so the model can
// tell voices apart.
func providerMessage(m models.Message) provider.Message {
	switch m.Role {
	case models.RoleAssistant:
		return provider.Message{Role: "assistant", Content: m.Content}
	case models.RoleAgent:
		return provider.Message{Role: "user", Content: "[" + m.ActorID + "] " + m.Content}
	default:
		return provider.Message{Role: "user", Content: m.Content}
	}
}
