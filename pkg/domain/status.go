package domain

import (
	"fmt"
	"strings"
)

// ParseRequestStatus accepts the canonical names case-insensitively plus the
// legacy spellings Approved and Cancelled.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return RequestPending, nil
	case "accepted", "approved":
		return RequestAccepted, nil
	case "rejected":
		return RequestRejected, nil
	case "canceled", "cancelled":
		return RequestCanceled, nil
	case "completed":
		return RequestCompleted, nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

// Active reports whether the request still holds the book.
func (s RequestStatus) Active() bool {
	return s == RequestPending || s == RequestAccepted
}

// ParseRequestType accepts Borrow, Exchange or Donation in any case.
func ParseRequestType(s string) (RequestType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "borrow":
		return RequestBorrow, nil
	case "exchange":
		return RequestExchange, nil
	case "donation":
		return RequestDonation, nil
	}
	return "", fmt.Errorf("unknown request type %q", s)
}

// ParseCondition accepts one of the listed book conditions in any case.
func ParseCondition(s string) (Condition, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "new":
		return ConditionNew, nil
	case "like new", "like-new", "likenew":
		return ConditionLikeNew, nil
	case "good":
		return ConditionGood, nil
	case "fair":
		return ConditionFair, nil
	case "poor":
		return ConditionPoor, nil
	}
	return "", fmt.Errorf("unknown condition %q", s)
}

// ParseBookStatus accepts Available, Reserved or Borrowed in any case.
func ParseBookStatus(s string) (BookStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return BookAvailable, nil
	case "reserved":
		return BookReserved, nil
	case "borrowed":
		return BookBorrowed, nil
	}
	return "", fmt.Errorf("unknown book status %q", s)
}

// RoomID is the chat room shared by two users, independent of argument order.
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// InRoom reports whether userID is one of the two users roomID was built from.
func InRoom(roomID, userID string) bool {
	a, b, ok := strings.Cut(roomID, "_")
	if !ok || a == "" || b == "" || userID == "" {
		return false
	}
	return a == userID || b == userID
}
