// Package maintenance holds offline repair and consistency tasks run by
// bookshare-admin against the shared store.
package maintenance

import (
	"fmt"
	"math"

	"bookshare/pkg/domain"
	"bookshare/pkg/store"
)

// RatingChange records an owner whose stored aggregate differed from the
// borrow history.
type RatingChange struct {
	UserID   string
	OldSum   float64
	OldCount int
	NewSum   float64
	NewCount int
}

// RecomputeRatings rebuilds every user's rating aggregate from the rated
// borrow entries of the books they own. With dryRun nothing is written.
func RecomputeRatings(st store.Store, dryRun bool) ([]RatingChange, error) {
	var changes []RatingChange
	err := st.Transaction(func(tx store.Store) error {
		users, err := tx.ListUsers()
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		books, err := tx.ListBooks(domain.BookFilter{})
		if err != nil {
			return fmt.Errorf("list books: %w", err)
		}
		type agg struct {
			sum   float64
			count int
		}
		totals := make(map[string]agg)
		for _, b := range books {
			for _, e := range b.BorrowHistory {
				if e.Rating == nil {
					continue
				}
				t := totals[b.OwnerID]
				t.sum += float64(*e.Rating)
				t.count++
				totals[b.OwnerID] = t
			}
		}
		for _, u := range users {
			t := totals[u.ID]
			if u.ReviewsCount == t.count && math.Abs(u.RatingSum-t.sum) < 1e-9 {
				continue
			}
			changes = append(changes, RatingChange{
				UserID: u.ID, OldSum: u.RatingSum, OldCount: u.ReviewsCount,
				NewSum: t.sum, NewCount: t.count,
			})
			if dryRun {
				continue
			}
			u.RatingSum, u.ReviewsCount = t.sum, t.count
			if err := tx.SaveUser(u); err != nil {
				return fmt.Errorf("save user %s: %w", u.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Violation is one broken lending rule.
type Violation struct {
	BookID  string
	Problem string
}

func (v Violation) String() string { return v.BookID + ": " + v.Problem }

// Check reports books whose status, current borrower, borrow history and
// requests disagree.
func Check(st store.Store) ([]Violation, error) {
	books, err := st.ListBooks(domain.BookFilter{})
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	var out []Violation
	report := func(id, format string, args ...any) {
		out = append(out, Violation{BookID: id, Problem: fmt.Sprintf(format, args...)})
	}
	for _, b := range books {
		borrowed := b.Status == domain.BookBorrowed
		switch {
		case borrowed && b.CurrentBorrower == "":
			report(b.ID, "status Borrowed without a current borrower")
		case !borrowed && b.CurrentBorrower != "":
			report(b.ID, "status %s with current borrower %s", b.Status, b.CurrentBorrower)
		}

		open := 0
		for _, e := range b.BorrowHistory {
			if e.Open() {
				open++
				if borrowed && e.BorrowerID != b.CurrentBorrower {
					report(b.ID, "open borrow entry for %s but current borrower is %s", e.BorrowerID, b.CurrentBorrower)
				}
			}
		}
		if open > 1 {
			report(b.ID, "%d open borrow entries", open)
		}
		if !borrowed && open > 0 {
			report(b.ID, "status %s with an open borrow entry", b.Status)
		}

		active, err := st.ListRequests(domain.RequestFilter{
			BookID:   b.ID,
			Statuses: []domain.RequestStatus{domain.RequestPending, domain.RequestAccepted},
		})
		if err != nil {
			return nil, fmt.Errorf("list requests for %s: %w", b.ID, err)
		}
		if len(active) > 1 {
			report(b.ID, "%d active requests", len(active))
		}
		for _, r := range active {
			if r.Status == domain.RequestAccepted && !borrowed {
				report(b.ID, "accepted request %s but status %s", r.ID, b.Status)
			}
			if r.Status == domain.RequestPending && b.Status != domain.BookReserved {
				report(b.ID, "pending request %s but status %s", r.ID, b.Status)
			}
		}
	}
	return out, nil
}
