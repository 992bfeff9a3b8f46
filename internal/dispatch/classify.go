package dispatch

import (
	"errors"
	"strings"

	"wablast/internal/provider"
)

// rules are matched in order against the lowercased first line of a send error.
var rules = []struct {
	needles  []string
	category Category
}{
	{needles: []string{"invalid wid"}, category: CategoryInvalidNumber},
	{needles: []string{"not a valid", "invalid format"}, category: CategoryMalformedNumber},
	{needles: []string{"blocked"}, category: CategoryBlocked},
}

// Classify maps a provider send error to a Category and returns the first line
// of its message as detail.
func Classify(err error) (Category, string) {
	if err == nil {
		return "", ""
	}
	detail := firstLine(err.Error())
	if errors.Is(err, provider.ErrNotConnected) {
		return CategorySessionUnavailable, detail
	}
	msg := strings.ToLower(detail)
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.category, detail
			}
		}
	}
	return CategoryUnknown, detail
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
