package orders

import "strings"

type Status string

func (s Status) String() string { return string(s) }

// DefaultAcceptedStatuses are the lifecycle labels written by the checkout and
// payment flows for a successful purchase.
var DefaultAcceptedStatuses = []string{
	"paid", "confirmed", "completed", "success", "succeeded", "processing", "captured",
}

// StatusSet matches statuses case-insensitively.
type StatusSet map[string]struct{}

func NewStatusSet(labels ...string) StatusSet {
	s := make(StatusSet, len(labels))
	for _, l := range labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			s[l] = struct{}{}
		}
	}
	return s
}

// Accepts reports whether st represents a successful purchase. An absent
// status is accepted.
func (s StatusSet) Accepts(st Status) bool {
	if st == "" {
		return true
	}
	_, ok := s[strings.ToLower(strings.TrimSpace(string(st)))]
	return ok
}
