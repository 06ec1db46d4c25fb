package rating

import (
	"context"
	"strings"
	"testing"
)

func newTestService() *Service {
	return NewService(NewMemoryStore())
}

// ---------------------------------------------------------------------------
// Service validation
// ---------------------------------------------------------------------------

func TestAdd_RecordsRating(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	r, err := svc.Add(ctx, 1, "0xMaker", "0xTaker", 5, "smooth trade")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if r.ID == 0 {
		t.Error("expected assigned id")
	}
	if r.Rater != "0xmaker" || r.Ratee != "0xtaker" {
		t.Errorf("expected lowercased parties, got %s -> %s", r.Rater, r.Ratee)
	}
	if r.Stars != 5 {
		t.Errorf("expected 5 stars, got %d", r.Stars)
	}
	if r.CreatedAt.IsZero() {
		t.Error("expected createdAt to be set")
	}
}

func TestAdd_StarsBounds(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for _, stars := range []int{0, -1, 6, 100} {
		if _, err := svc.Add(ctx, 1, "0xa", "0xb", stars, ""); err != ErrInvalidStars {
			t.Errorf("stars=%d: expected ErrInvalidStars, got %v", stars, err)
		}
	}
	for stars := 1; stars <= 5; stars++ {
		if _, err := svc.Add(ctx, int64(stars), "0xa", "0xb", stars, ""); err != nil {
			t.Errorf("stars=%d: unexpected error %v", stars, err)
		}
	}
}

func TestAdd_CommentTooLong(t *testing.T) {
	svc := newTestService()

	long := strings.Repeat("x", MaxCommentLength+1)
	if _, err := svc.Add(context.Background(), 1, "0xa", "0xb", 4, long); err != ErrCommentTooLong {
		t.Errorf("expected ErrCommentTooLong, got %v", err)
	}

	// Trimming happens before the length check.
	padded := strings.Repeat("y", MaxCommentLength) + "   "
	r, err := svc.Add(context.Background(), 2, "0xa", "0xb", 4, padded)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(r.Comment) != MaxCommentLength {
		t.Errorf("expected trimmed comment of %d chars, got %d", MaxCommentLength, len(r.Comment))
	}
}

func TestAdd_SelfRating(t *testing.T) {
	svc := newTestService()

	if _, err := svc.Add(context.Background(), 1, "0xSame", "0xsame", 3, ""); err != ErrSelfRating {
		t.Errorf("expected ErrSelfRating, got %v", err)
	}
}

func TestAdd_DuplicateRejected(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, 1, "0xa", "0xb", 5, ""); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if _, err := svc.Add(ctx, 1, "0xA", "0xb", 2, "changed my mind"); err != ErrAlreadyRated {
		t.Errorf("expected ErrAlreadyRated, got %v", err)
	}
	// The other party rating the same trade is fine.
	if _, err := svc.Add(ctx, 1, "0xb", "0xa", 4, ""); err != nil {
		t.Errorf("counterparty rating failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Memory store
// ---------------------------------------------------------------------------

func TestMemoryStore_ListByRateeNewestFirst(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := svc.Add(ctx, i, "0xa", "0xb", int(i)+2, ""); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	ratings, err := svc.Received(ctx, "0xB", 0, 10)
	if err != nil {
		t.Fatalf("Received failed: %v", err)
	}
	if len(ratings) != 3 {
		t.Fatalf("expected 3 ratings, got %d", len(ratings))
	}
	if ratings[0].ID != 3 || ratings[2].ID != 1 {
		t.Errorf("expected newest first, got ids %d..%d", ratings[0].ID, ratings[2].ID)
	}
}

func TestMemoryStore_ListByRateePaging(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if _, err := svc.Add(ctx, i, "0xa", "0xb", 4, ""); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	page, err := svc.Received(ctx, "0xb", 0, 2)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = svc.Received(ctx, "0xb", page[1].ID, 2)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != 3 || page[1].ID != 2 {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestMemoryStore_ListByTrade(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, 7, "0xa", "0xb", 5, ""); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := svc.Add(ctx, 7, "0xb", "0xa", 3, ""); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := svc.Add(ctx, 8, "0xa", "0xc", 1, ""); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	ratings, err := svc.ForTrade(ctx, 7)
	if err != nil {
		t.Fatalf("ForTrade failed: %v", err)
	}
	if len(ratings) != 2 {
		t.Fatalf("expected 2 ratings for trade 7, got %d", len(ratings))
	}
	if ratings[0].Rater != "0xa" || ratings[1].Rater != "0xb" {
		t.Errorf("expected insertion order, got %s then %s", ratings[0].Rater, ratings[1].Rater)
	}
}

func TestMemoryStore_Summarize(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	sum, err := svc.Summarize(ctx, "0xnobody")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.Count != 0 || sum.Average != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}

	for i, stars := range []int{5, 4, 3} {
		if _, err := svc.Add(ctx, int64(i+1), "0xa", "0xb", stars, ""); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	sum, err = svc.Summarize(ctx, "0xB")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.Count != 3 {
		t.Errorf("expected count 3, got %d", sum.Count)
	}
	if sum.Average != 4.0 {
		t.Errorf("expected average 4.0, got %f", sum.Average)
	}
}
