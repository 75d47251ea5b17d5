package maintenance

import (
	"strings"
	"testing"
	"time"

	"bookshare/pkg/domain"
	"bookshare/pkg/store"
)

func intPtr(v int) *int { return &v }

func TestRecomputeRatings(t *testing.T) {
	st := store.NewMemoryStore()
	returned := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	_ = st.SaveUser(domain.User{ID: "owner", ExternalID: "e1", Email: "o@example.com", RatingSum: 99, ReviewsCount: 1})
	_ = st.SaveUser(domain.User{ID: "reader", ExternalID: "e2", Email: "r@example.com"})
	_ = st.SaveBook(domain.Book{ID: "b1", OwnerID: "owner", Status: domain.BookAvailable, BorrowHistory: []domain.BorrowEntry{
		{BorrowerID: "reader", ReturnDate: &returned, Rating: intPtr(4)},
		{BorrowerID: "reader", ReturnDate: &returned, Rating: intPtr(5)},
		{BorrowerID: "reader", ReturnDate: &returned},
	}})

	changes, err := RecomputeRatings(st, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(changes) != 1 || changes[0].NewSum != 9 || changes[0].NewCount != 2 {
		t.Fatalf("changes = %+v", changes)
	}
	if u, _, _ := st.GetUser("owner"); u.RatingSum != 99 {
		t.Fatalf("dry run wrote: %+v", u)
	}

	if _, err := RecomputeRatings(st, false); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	u, _, _ := st.GetUser("owner")
	if u.RatingSum != 9 || u.ReviewsCount != 2 || u.Rating() != 4.5 {
		t.Fatalf("owner after recompute = %+v", u)
	}
	if changes, _ := RecomputeRatings(st, false); len(changes) != 0 {
		t.Fatalf("second pass changed %+v", changes)
	}
}

func TestCheck(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = st.SaveBook(domain.Book{ID: "ok", OwnerID: "o", Status: domain.BookBorrowed, CurrentBorrower: "r",
		BorrowHistory: []domain.BorrowEntry{{BorrowerID: "r", BorrowDate: now}}})
	_ = st.SaveBook(domain.Book{ID: "ghost", OwnerID: "o", Status: domain.BookBorrowed})
	_ = st.SaveBook(domain.Book{ID: "stale", OwnerID: "o", Status: domain.BookAvailable, CurrentBorrower: "r"})
	_ = st.SaveBook(domain.Book{ID: "double", OwnerID: "o", Status: domain.BookReserved})
	_ = st.SaveRequest(domain.BookRequest{ID: "q1", BookID: "double", Status: domain.RequestPending})
	_ = st.SaveRequest(domain.BookRequest{ID: "q2", BookID: "double", Status: domain.RequestPending})
	_ = st.SaveRequest(domain.BookRequest{ID: "q3", BookID: "ok", Status: domain.RequestAccepted})

	violations, err := Check(st)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	byBook := map[string][]string{}
	for _, v := range violations {
		byBook[v.BookID] = append(byBook[v.BookID], v.Problem)
	}
	if len(byBook["ok"]) != 0 {
		t.Fatalf("healthy book flagged: %v", byBook["ok"])
	}
	if len(byBook["ghost"]) != 1 || !strings.Contains(byBook["ghost"][0], "without a current borrower") {
		t.Fatalf("ghost = %v", byBook["ghost"])
	}
	if len(byBook["stale"]) != 1 || !strings.Contains(byBook["stale"][0], "current borrower r") {
		t.Fatalf("stale = %v", byBook["stale"])
	}
	if len(byBook["double"]) != 1 || byBook["double"][0] != "2 active requests" {
		t.Fatalf("double = %v", byBook["double"])
	}
}
