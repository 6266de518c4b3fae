// Package policy masks personal data before text leaves the service.
package policy

import "regexp"

// Kind names a class of personal data.
type Kind string

const (
	KindEmail Kind = "email"
	KindCard  Kind = "card"
	KindPhone Kind = "phone"
)

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
	marker  string
}

// Card numbers are matched before phones so long digit runs are not read as phone numbers.
var rules = []rule{
	{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{KindCard, regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{KindPhone, regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Findings counts replacements per kind.
type Findings map[Kind]int

func (f Findings) Total() int {
	n := 0
	for _, c := range f {
		n += c
	}
	return n
}

// RedactPII masks e-mail addresses, card numbers and phone numbers in input.
func RedactPII(input string) (string, Findings) {
	out := input
	var found Findings
	for _, r := range rules {
		n := len(r.pattern.FindAllStringIndex(out, -1))
		if n == 0 {
			continue
		}
		out = r.pattern.ReplaceAllString(out, r.marker)
		if found == nil {
			found = make(Findings)
		}
		found[r.kind] += n
	}
	return out, found
}
