package store

import (
	"context"
	"reflect"
	"testing"

	"maestro/pkg/models"
)

func testItem(s *Store, threadID, uid, text string) models.StateItem {
	now := s.Now()
	return models.StateItem{
		UID:             uid,
		ThreadID:        threadID,
		Text:            text,
		TypeTag:         models.TagDecision,
		Status:          models.ItemActive,
		Confidence:      models.ConfidenceMedium,
		Tier:            models.TierWorking,
		ImportanceScore: 0.5,
		LastSeenAt:      now,
		CreatedAt:       now,
	}
}

func TestUpsertStateItemRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, th := seedThread(t, s)

	in := testItem(s, th.ID, "d-abc123", "use postgres for the queue")
	in.Refs = []string{"msg_1"}
	in.TopicTags = []string{"infra"}
	if err := s.UpsertStateItem(ctx, in, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("UpsertStateItem() error = %v", err)
	}

	got, err := s.GetStateItem(ctx, th.ID, "d-abc123")
	if err != nil {
		t.Fatalf("GetStateItem() error = %v", err)
	}
	if got.Text != in.Text || got.TypeTag != in.TypeTag || got.Status != in.Status {
		t.Fatalf("GetStateItem() = %+v, want %+v", got, in)
	}
	if !reflect.DeepEqual(got.Refs, in.Refs) || !reflect.DeepEqual(got.TopicTags, in.TopicTags) {
		t.Fatalf("refs/tags = %v/%v, want %v/%v", got.Refs, got.TopicTags, in.Refs, in.TopicTags)
	}
}

func TestUpsertStateItemMergesOnConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, th := seedThread(t, s)

	first := testItem(s, th.ID, "d-abc123", "use postgres for the queue")
	if err := s.UpsertStateItem(ctx, first, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("UpsertStateItem() error = %v", err)
	}
	second := testItem(s, th.ID, "d-abc123", "use postgres for the queue")
	second.Confidence = models.ConfidenceHigh
	second.Refs = []string{"msg_1", "msg_2"}
	// No new embedding: the stored one must survive.
	if err := s.UpsertStateItem(ctx, second, nil); err != nil {
		t.Fatalf("UpsertStateItem() update error = %v", err)
	}

	rows, err := s.ListActiveStateItems(ctx, th.ID)
	if err != nil {
		t.Fatalf("ListActiveStateItems() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ListActiveStateItems() len = %d, want 1", len(rows))
	}
	if rows[0].Item.Confidence != models.ConfidenceHigh {
		t.Fatalf("confidence = %q, want high", rows[0].Item.Confidence)
	}
	if !reflect.DeepEqual(rows[0].Embedding, []byte{1, 2, 3, 4}) {
		t.Fatalf("embedding = %v, want preserved", rows[0].Embedding)
	}
}

func TestMarkSupersededAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, th := seedThread(t, s)

	old := testItem(s, th.ID, "d-old", "deploy on fridays")
	if err := s.UpsertStateItem(ctx, old, nil); err != nil {
		t.Fatalf("UpsertStateItem() error = %v", err)
	}
	if err := s.MarkSuperseded(ctx, th.ID, "d-old", "d-new", "msg_9"); err != nil {
		t.Fatalf("MarkSuperseded() error = %v", err)
	}

	got, err := s.GetStateItem(ctx, th.ID, "d-old")
	if err != nil {
		t.Fatalf("GetStateItem() error = %v", err)
	}
	if got.Status != models.ItemSuperseded || got.ReplacedBy != "d-new" || got.SupersessionEvidence != "msg_9" {
		t.Fatalf("superseded item = %+v", got)
	}

	active, err := s.ListActiveStateItems(ctx, th.ID)
	if err != nil {
		t.Fatalf("ListActiveStateItems() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("superseded item still active: %+v", active)
	}

	if err := s.MarkSuperseded(ctx, th.ID, "d-missing", "d-new", ""); err == nil {
		t.Fatal("MarkSuperseded() on missing uid expected error")
	}
}

func TestSearchStateText(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, th := seedThread(t, s)

	for uid, text := range map[string]string{
		"d-1": "queue runs on postgres",
		"c-2": "never deploy on friday",
		"d-3": "postgres needs 16 gb ram",
	} {
		if err := s.UpsertStateItem(ctx, testItem(s, th.ID, uid, text), nil); err != nil {
			t.Fatalf("UpsertStateItem(%s) error = %v", uid, err)
		}
	}

	hits, err := s.SearchStateText(ctx, th.ID, "postgres", 10)
	if err != nil {
		t.Fatalf("SearchStateText() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("SearchStateText() len = %d, want 2", len(hits))
	}

	// Superseded items fall out of the index.
	if err := s.MarkSuperseded(ctx, th.ID, "d-1", "d-3", ""); err != nil {
		t.Fatalf("MarkSuperseded() error = %v", err)
	}
	hits, err = s.SearchStateText(ctx, th.ID, "postgres", 10)
	if err != nil {
		t.Fatalf("SearchStateText() after supersede error = %v", err)
	}
	if len(hits) != 1 || hits[0].Item.UID != "d-3" {
		t.Fatalf("SearchStateText() after supersede = %+v, want only d-3", hits)
	}
}
