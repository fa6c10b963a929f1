package oms

import "strings"

const (
	StatusSubmitted = "submitted"
	StatusPartial   = "partial"
	StatusFilled    = "filled"
	StatusRejected  = "rejected"
	StatusCanceled  = "canceled"
)

var statusRank = map[string]int{
	StatusSubmitted: 0,
	StatusPartial:   1,
	StatusFilled:    2,
	StatusRejected:  2,
	StatusCanceled:  3,
}

// NormalizeStatus folds broker vocabularies into the OMS lifecycle.
func NormalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled", "fill", "done":
		return StatusFilled
	case "partially_filled", "partial", "partial_fill", "partially-filled":
		return StatusPartial
	case "rejected", "reject", "failed", "error":
		return StatusRejected
	case "canceled", "cancelled", "expired":
		return StatusCanceled
	default:
		return StatusSubmitted
	}
}

// Advance returns next when it moves the lifecycle forward, else current.
func Advance(current, next string) string {
	cur, ok := statusRank[current]
	if !ok {
		return next
	}
	nxt, ok := statusRank[next]
	if !ok || nxt <= cur {
		return current
	}
	return next
}

func IsTerminal(status string) bool {
	return status == StatusFilled || status == StatusRejected || status == StatusCanceled
}
