package models

import "time"

// TypeTag classifies a StateItem.
type TypeTag string

const (
	TagDecision   TypeTag = "decision"
	TagConstraint TypeTag = "constraint"
	TagAction     TypeTag = "action"
	TagQuestion   TypeTag = "question"
	TagRisk       TypeTag = "risk"
	TagFailure    TypeTag = "failure"
)

// Tier places a StateItem in the memory hierarchy. At equal retrieval score
// a more volatile tier wins.
type Tier string

const (
	TierWorking          Tier = "working"
	TierEpisodic         Tier = "episodic"
	TierSemanticLongterm Tier = "semantic_longterm"
	TierProcedural       Tier = "procedural"
)

// Confidence grades how certain an extracted item is.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ItemStatus values used by the extraction/merge pipeline.
const (
	ItemActive     = "active"
	ItemSuperseded = "superseded"
	ItemOpen       = "open"
	ItemDone       = "done"
	ItemResolved   = "resolved"
)

// StateItem is a deduplicated unit of structured knowledge distilled from a
// thread. The uid is content-derived so re-extraction converges on the same
// row; (thread_id, uid) is unique.
type StateItem struct {
	UID                  string     `json:"uid"`
	ThreadID             string     `json:"thread_id"`
	Text                 string     `json:"text"`
	TypeTag              TypeTag    `json:"type_tag"`
	Status               string     `json:"status"`
	Confidence           Confidence `json:"confidence"`
	Refs                 []string   `json:"refs,omitempty"`
	TopicTags            []string   `json:"topic_tags,omitempty"`
	ReplacedBy           string     `json:"replaced_by,omitempty"`
	SupersessionEvidence string     `json:"supersession_evidence,omitempty"`
	Conflict             bool       `json:"conflict,omitempty"`
	Tier                 Tier       `json:"tier"`
	ImportanceScore      float64    `json:"importance_score"`
	LastSeenAt           time.Time  `json:"last_seen_at"`
	CreatedAt            time.Time  `json:"created_at"`
}
