package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"maestro/internal/embed"
	"maestro/internal/fault"
	"maestro/pkg/models"
)

// minItemLength is the shortest normalized line worth keeping as a state
// item. Anything shorter is noise ("ok", "thanks", bare bullets).
const minItemLength = 12

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•>]+|\d+[.)])\s*`)

// normalizeText canonicalizes a line so re-extraction of the same statement
// lands on the same uid: NFC, lowercase, trimmed, leading bullets stripped,
// whitespace collapsed.
func normalizeText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ToLower(strings.TrimSpace(text))
	text = bulletPrefix.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

var typePrefixes = map[models.TypeTag]string{
	models.TagDecision:   "dec_",
	models.TagConstraint: "con_",
	models.TagAction:     "act_",
	models.TagQuestion:   "que_",
	models.TagRisk:       "ris_",
	models.TagFailure:    "fai_",
}

// uidFor derives the content-addressed id for one normalized statement:
// typePrefix plus the first 12 hex chars of sha256(type || normalized).
func uidFor(tag models.TypeTag, normalized string) string {
	sum := sha256.Sum256([]byte(string(tag) + normalized))
	return typePrefixes[tag] + hex.EncodeToString(sum[:])[:12]
}

var (
	failureWords    = []string{"fail", "error", "broke", "broken", "crash", "exception", "regression", "timed out"}
	riskWords       = []string{"risk", "danger", "warning", "caution", "careful", "unsafe", "vulnerab"}
	constraintWords = []string{"must", "cannot", "can't", "never", "always", "require", "forbidden", "not allowed", "only if", "limit"}
	decisionWords   = []string{"decided", "decision", "we will", "going with", "let's use", "chose", "choose", "agreed", "settled on", "plan is"}
	actionWords     = []string{"todo", "need to", "needs to", "should", "will ", "next step", "implement", "fix ", "add ", "remove ", "update "}
)

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// classify maps a normalized line to a type tag. First match wins; questions
// are structural, the rest are keyword heuristics from strongest signal to
// weakest. Lines matching nothing are not state.
func classify(normalized string) (models.TypeTag, bool) {
	switch {
	case strings.HasSuffix(normalized, "?"):
		return models.TagQuestion, true
	case containsAny(normalized, failureWords):
		return models.TagFailure, true
	case containsAny(normalized, riskWords):
		return models.TagRisk, true
	case containsAny(normalized, constraintWords):
		return models.TagConstraint, true
	case containsAny(normalized, decisionWords):
		return models.TagDecision, true
	case containsAny(normalized, actionWords):
		return models.TagAction, true
	default:
		return "", false
	}
}

func statusFor(tag models.TypeTag) string {
	switch tag {
	case models.TagAction, models.TagQuestion:
		return models.ItemOpen
	default:
		return models.ItemActive
	}
}

func importanceFor(tag models.TypeTag) float64 {
	switch tag {
	case models.TagDecision:
		return 0.8
	case models.TagConstraint, models.TagRisk:
		return 0.7
	case models.TagFailure:
		return 0.6
	case models.TagAction:
		return 0.5
	default:
		return 0.4
	}
}

func bumpConfidence(c models.Confidence) models.Confidence {
	switch c {
	case models.ConfidenceLow:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceHigh
	}
}

// ExtractReport counts what one extraction pass did.
type ExtractReport struct {
	Scanned    int
	Created    int
	Merged     int
	Superseded int
}

// ExtractState distills structured items from the thread's messages past the
// state watermark, merging restatements into existing items and superseding
// near-duplicates. The watermark advances past every scanned message even
// when nothing was extracted.
func (s *Service) ExtractState(ctx context.Context, threadID, traceID, actorID string) (ExtractReport, error) {
	var report ExtractReport

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return report, fault.Memory("extract: load thread", err)
	}
	msgs, err := s.store.MessagesAfter(ctx, threadID, thread.StateWatermark)
	if err != nil {
		return report, fault.Memory("extract: load messages", err)
	}
	if len(msgs) == 0 {
		return report, nil
	}

	for _, msg := range msgs {
		report.Scanned++
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		for _, line := range strings.Split(msg.Content, "\n") {
			normalized := normalizeText(line)
			if len(normalized) < minItemLength {
				continue
			}
			tag, ok := classify(normalized)
			if !ok {
				continue
			}
			outcome, err := s.absorb(ctx, threadID, traceID, actorID, tag, normalized, msg)
			if err != nil {
				return report, err
			}
			switch outcome {
			case absorbCreated:
				report.Created++
			case absorbMerged:
				report.Merged++
			case absorbSuperseded:
				report.Superseded++
				report.Created++
			}
		}
	}

	last := msgs[len(msgs)-1].CreatedAt
	if err := s.store.SetStateWatermark(ctx, threadID, last); err != nil {
		return report, fault.Memory("extract: advance watermark", err)
	}
	return report, nil
}

type absorbOutcome int

const (
	absorbCreated absorbOutcome = iota
	absorbMerged
	absorbSuperseded
)

// absorb lands one classified statement: exact uid hit merges, a
// high-similarity neighbor of the same type is superseded, otherwise a new
// item is inserted.
func (s *Service) absorb(ctx context.Context, threadID, traceID, actorID string, tag models.TypeTag, normalized string, msg models.Message) (absorbOutcome, error) {
	uid := uidFor(tag, normalized)
	ref := fmtMessageRef(msg.ID)
	now := s.now().UTC()

	existing, err := s.store.GetStateItem(ctx, threadID, uid)
	if err == nil {
		existing.Refs = appendRef(existing.Refs, ref)
		existing.Confidence = bumpConfidence(existing.Confidence)
		existing.LastSeenAt = now
		if err := s.store.UpsertStateItem(ctx, existing, nil); err != nil {
			return 0, fault.Memory("extract: merge item", err)
		}
		s.emitEvolution(ctx, "evolution.item.merged", threadID, traceID, actorID, existing.UID, existing.Status, existing.Refs, map[string]any{
			"confidence": string(existing.Confidence),
		})
		return absorbMerged, nil
	}

	item := models.StateItem{
		UID:             uid,
		ThreadID:        threadID,
		Text:            normalized,
		TypeTag:         tag,
		Status:          statusFor(tag),
		Confidence:      models.ConfidenceLow,
		Refs:            []string{ref},
		Tier:            models.TierWorking,
		ImportanceScore: importanceFor(tag),
		LastSeenAt:      now,
		CreatedAt:       now,
	}

	var encoded []byte
	var neighbor *models.StateItem
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, normalized)
		if err != nil {
			s.logger.Warn("embed state item failed", "uid", uid, "error", err)
		} else {
			encoded = embed.Encode(vec)
			neighbor, err = s.nearestSameType(ctx, threadID, tag, vec)
			if err != nil {
				return 0, err
			}
		}
	}

	if neighbor != nil {
		item.Refs = appendRefs(neighbor.Refs, ref)
		item.Confidence = neighbor.Confidence
		if err := s.store.UpsertStateItem(ctx, item, encoded); err != nil {
			return 0, fault.Memory("extract: insert item", err)
		}
		if err := s.store.MarkSuperseded(ctx, threadID, neighbor.UID, item.UID, ref); err != nil {
			return 0, fault.Memory("extract: supersede item", err)
		}
		s.emitEvolution(ctx, "evolution.item.superseded", threadID, traceID, actorID, neighbor.UID, models.ItemSuperseded, neighbor.Refs, map[string]any{
			"replaced_by": item.UID,
		})
		s.emitEvolution(ctx, "evolution.item.created", threadID, traceID, actorID, item.UID, item.Status, item.Refs, map[string]any{
			"type_tag": string(tag),
		})
		return absorbSuperseded, nil
	}

	if err := s.store.UpsertStateItem(ctx, item, encoded); err != nil {
		return 0, fault.Memory("extract: insert item", err)
	}
	s.emitEvolution(ctx, "evolution.item.created", threadID, traceID, actorID, item.UID, item.Status, item.Refs, map[string]any{
		"type_tag": string(tag),
	})
	return absorbCreated, nil
}

// nearestSameType finds the closest active item of the same type at or above
// the merge similarity threshold. Ties break toward the more volatile tier,
// then the most recently seen, then the smaller uid.
func (s *Service) nearestSameType(ctx context.Context, threadID string, tag models.TypeTag, vec []float32) (*models.StateItem, error) {
	rows, err := s.store.ListActiveStateItems(ctx, threadID)
	if err != nil {
		return nil, fault.Memory("extract: list neighbors", err)
	}
	type candidate struct {
		item models.StateItem
		sim  float64
	}
	var cands []candidate
	for _, row := range rows {
		if row.Item.TypeTag != tag {
			continue
		}
		other := embed.Decode(row.Embedding)
		if len(other) == 0 {
			continue
		}
		sim := float64(embed.Cosine(vec, other))
		if sim >= s.cfg.MergeSimilarity {
			cands = append(cands, candidate{row.Item, sim})
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].sim != cands[j].sim {
			return cands[i].sim > cands[j].sim
		}
		ri, rj := tierRank(cands[i].item.Tier), tierRank(cands[j].item.Tier)
		if ri != rj {
			return ri < rj
		}
		if !cands[i].item.LastSeenAt.Equal(cands[j].item.LastSeenAt) {
			return cands[i].item.LastSeenAt.After(cands[j].item.LastSeenAt)
		}
		return cands[i].item.UID < cands[j].item.UID
	})
	best := cands[0].item
	return &best, nil
}

// emitEvolution records one evolution.item.* event. Emission failure does
// not undo the store mutation it describes; it is logged and dropped.
func (s *Service) emitEvolution(ctx context.Context, eventType, threadID, traceID, actorID, itemID, status string, refs []string, result map[string]any) {
	evidence := make([]any, len(refs))
	for i, r := range refs {
		evidence[i] = r
	}
	actor := actorID
	if actor == "" {
		actor = models.MainPrincipal
	}
	_, err := s.events.Emit(ctx, models.EventInput{
		TraceID:   traceID,
		ThreadID:  threadID,
		EventType: eventType,
		Component: "memory",
		ActorType: models.ActorAgent,
		ActorID:   actor,
		Payload: map[string]any{
			"item_id":       itemID,
			"status":        status,
			"evidence_refs": evidence,
			"result":        result,
		},
	})
	if err != nil {
		s.logger.Warn("evolution event dropped", "event_type", eventType, "item_id", itemID, "error", err)
	}
}

func appendRef(refs []string, ref string) []string {
	for _, r := range refs {
		if r == ref {
			return refs
		}
	}
	return append(refs, ref)
}

func appendRefs(base []string, extra ...string) []string {
	out := make([]string, len(base))
	copy(out, base)
	for _, r := range extra {
		out = appendRef(out, r)
	}
	return out
}
