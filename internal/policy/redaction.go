package policy

import "regexp"

// Redaction markers written in place of matched spans.
const (
	MarkEmail = "[REDACTED_EMAIL]"
	MarkCard  = "[REDACTED_CARD]"
	MarkPhone = "[REDACTED_PHONE]"
)

type rule struct {
	kind string
	re   *regexp.Regexp
	mark string
}

// Card runs before phone so long digit runs are not taken for phone numbers.
var rules = []rule{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), MarkEmail},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), MarkCard},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), MarkPhone},
}

// RedactPII masks emails, card numbers and phone numbers in transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out, kinds := Redact(input)
	return out, len(kinds) > 0
}

// Redact is RedactPII reporting which kinds were masked, in rule order.
func Redact(input string) (string, []string) {
	out := input
	var kinds []string
	for _, r := range rules {
		next := r.re.ReplaceAllString(out, r.mark)
		if next != out {
			kinds = append(kinds, r.kind)
			out = next
		}
	}
	return out, kinds
}
