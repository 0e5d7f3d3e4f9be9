package tts

import (
	"regexp"
	"strings"
	"unicode"
)

var speechRules = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[(.*?)\]\((.*?)\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
	{regexp.MustCompile(`(?m)^\s*(?:[-*+]|#{1,6})\s+`), ""},
}

var speechSymbols = strings.NewReplacer(
	"*", " ",
	"_", " ",
	"\\", " ",
	"/", " ",
	"|", " ",
	"#", " ",
	"~", " ",
	"<", " ",
	">", " ",
	"&", " and ",
	"%", " percent",
	"+", " plus ",
	"=", " equals ",
)

// SanitizeSpeechText strips markup, links and emoji from model text before
// it is sent for synthesis. Displayed text is never passed through here.
func SanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, rule := range speechRules {
		raw = rule.pattern.ReplaceAllString(raw, rule.repl)
	}
	raw = speechSymbols.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sk, unicode.Sm):
		case speakablePunct(r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

func speakablePunct(r rune) bool {
	return strings.ContainsRune(`.,!?:;'"-()`, r)
}
